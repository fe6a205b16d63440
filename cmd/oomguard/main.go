package main

import (
	"context"
	"fmt"
	"os"
	"time"

	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"

	coreControl "github.com/core-tools/hsu-core/pkg/control"
	coreDomain "github.com/core-tools/hsu-core/pkg/domain"
	coreLogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-oomguard/pkg/config"
	"github.com/core-tools/hsu-oomguard/pkg/control"
	"github.com/core-tools/hsu-oomguard/pkg/logging"
	"github.com/core-tools/hsu-oomguard/pkg/notify"
	"github.com/core-tools/hsu-oomguard/pkg/runner"

	flags "github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

type globalOptions struct {
	Config string `long:"config" short:"c" description:"path to the configuration file" default:"/etc/oomguard/oomguard.yaml"`
}

type runCommand struct{}

type notifyTestCommand struct {
	Message string `long:"message" short:"m" description:"message to send" default:"This is a test notification from OOM Killer."`
	Args    struct {
		UserID string `positional-arg-name:"user_id" description:"local username or receive id" required:"yes"`
	} `positional-args:"yes"`
}

type validateConfigCommand struct{}

type statusCommand struct {
	Port    int `long:"port" short:"p" description:"control port of the running guardian" required:"yes"`
	Retries int `long:"retries" description:"ping attempts before giving up" default:"3"`
}

var (
	globals    globalOptions
	coreLogger coreLogging.Logger
	logger     logging.Logger
)

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func main() {
	bootLogger := sprintfLogging.NewStdSprintfLogger()

	coreLogger = coreLogging.NewLogger(
		logPrefix("hsu-core"), coreLogging.LogFuncs{
			Debugf: bootLogger.Debugf,
			Infof:  bootLogger.Infof,
			Warnf:  bootLogger.Warnf,
			Errorf: bootLogger.Errorf,
		})
	logger = logging.NewLogger(
		logPrefix("oomguard"), logging.LogFuncs{
			Debugf: bootLogger.Debugf,
			Infof:  bootLogger.Infof,
			Warnf:  bootLogger.Warnf,
			Errorf: bootLogger.Errorf,
		})

	parser := flags.NewParser(&globals, flags.HelpFlag|flags.PassDoubleDash)
	parser.SubcommandsOptional = true

	mustAddCommand(parser, "run", "Run the OOM guardian", "Run the pressure loop until SIGINT or SIGTERM (default command).", &runCommand{})
	mustAddCommand(parser, "notify-test", "Send a test notification", "Send one synchronous notification through the configured channel.", &notifyTestCommand{})
	mustAddCommand(parser, "validate-config", "Validate the configuration", "Load and validate the configuration file and print its summary.", &validateConfigCommand{})
	mustAddCommand(parser, "status", "Query a running guardian", "Ping a running guardian over its control port and print its health.", &statusCommand{})

	_, err := parser.ParseArgs(os.Args[1:])
	if err == nil && parser.Active == nil {
		err = (&runCommand{}).Execute(nil)
	}
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func mustAddCommand(parser *flags.Parser, name, short, long string, data interface{}) {
	if _, err := parser.AddCommand(name, short, long, data); err != nil {
		panic(err)
	}
}

func (c *runCommand) Execute(args []string) error {
	return runner.Run(globals.Config, coreLogger, logger)
}

func (c *notifyTestCommand) Execute(args []string) error {
	cfg, err := config.LoadAndValidate(globals.Config)
	if err != nil {
		return err
	}
	policy, err := config.BuildPolicy(cfg.General, logger)
	if err != nil {
		return err
	}

	dispatcher, err := notify.NewFromConfig(policy.NotificationsEnabled, cfg.Notify, notify.DispatcherOptions{}, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err = dispatcher.SendNow(ctx, notify.Notification{
		Username:    c.Args.UserID,
		ProcessName: "notify-test",
		Message:     c.Message,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Test notification sent to %s via %s\n", c.Args.UserID, dispatcher.Channel().Name())
	return nil
}

func (c *validateConfigCommand) Execute(args []string) error {
	cfg, err := config.LoadAndValidate(globals.Config)
	if err != nil {
		return err
	}
	policy, err := config.BuildPolicy(cfg.General, logger)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(config.GetSummary(cfg, policy))
	if err != nil {
		return err
	}
	fmt.Printf("Configuration %s is valid\n%s", globals.Config, out)
	return nil
}

func (c *statusCommand) Execute(args []string) error {
	if err := config.ValidatePort(c.Port); err != nil {
		return err
	}

	connection, err := coreControl.NewConnection(coreControl.ConnectionOptions{AttachPort: c.Port}, coreLogger)
	if err != nil {
		return fmt.Errorf("failed to create core connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	coreClientGateway := coreControl.NewGRPCClientGateway(connection.GRPC(), coreLogger)
	retryPingOptions := coreDomain.RetryPingOptions{
		RetryAttempts: c.Retries,
		RetryInterval: 1 * time.Second,
	}
	if err := coreDomain.RetryPing(ctx, coreClientGateway, retryPingOptions, coreLogger); err != nil {
		return fmt.Errorf("failed to ping guardian on port %d: %w", c.Port, err)
	}

	statuses, err := control.NewGRPCClientGateway(connection.GRPC(), logger).Status(ctx)
	if err != nil {
		return err
	}
	out, err := control.FormatStatus(statuses)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}
