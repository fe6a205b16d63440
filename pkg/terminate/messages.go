package terminate

import (
	"fmt"
	"os"

	"github.com/core-tools/hsu-oomguard/pkg/config"
)

// Composer renders the owner-facing text for a kill attempt
type Composer struct {
	language string
	hostname string
}

func NewComposer(language string) *Composer {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return NewComposerForHost(language, hostname)
}

func NewComposerForHost(language, hostname string) *Composer {
	if language != config.LanguageChinese {
		language = config.LanguageEnglish
	}
	return &Composer{language: language, hostname: hostname}
}

func (c *Composer) Message(attempt KillAttempt) string {
	if c.language == config.LanguageChinese {
		return c.chinese(attempt)
	}
	return c.english(attempt)
}

func (c *Composer) english(attempt KillAttempt) string {
	r := attempt.Record
	prefix := fmt.Sprintf("Your process on server '%s' (PID: %d, Name: %s)", c.hostname, r.PID, r.Name)

	switch attempt.Outcome {
	case OutcomeTerminated:
		return fmt.Sprintf("%s used too much memory (RSS: %dMB) and was terminated by the OOM guardian.\nCommand: %s",
			prefix, r.RSSMegabytes(), r.Cmdline)
	case OutcomeKilled:
		return fmt.Sprintf("%s used too much memory (RSS: %dMB), did not respond to SIGTERM and was forcibly killed (SIGKILL) by the OOM guardian.\nCommand: %s",
			prefix, r.RSSMegabytes(), r.Cmdline)
	case OutcomeAlreadyExited:
		return fmt.Sprintf("%s was selected by the OOM guardian for using too much memory (RSS: %dMB) but had already exited.\nCommand: %s",
			prefix, r.RSSMegabytes(), r.Cmdline)
	default:
		return fmt.Sprintf("%s used too much memory (RSS: %dMB) and triggered the OOM guardian, but could not be terminated automatically.\nPlease check the process manually.\nCommand: %s",
			prefix, r.RSSMegabytes(), r.Cmdline)
	}
}

func (c *Composer) chinese(attempt KillAttempt) string {
	r := attempt.Record
	prefix := fmt.Sprintf("您在服务器 '%s' 上运行的进程 (PID: %d, 名称: %s) ", c.hostname, r.PID, r.Name)

	switch attempt.Outcome {
	case OutcomeTerminated:
		return fmt.Sprintf("%s因占用过多内存 (RSS: %dMB) 已被 OOM Killer 成功终止。\n命令: %s",
			prefix, r.RSSMegabytes(), r.Cmdline)
	case OutcomeKilled:
		return fmt.Sprintf("%s因占用过多内存 (RSS: %dMB) 且未响应 SIGTERM，已被 OOM Killer 强制终止 (SIGKILL)。\n命令: %s",
			prefix, r.RSSMegabytes(), r.Cmdline)
	case OutcomeAlreadyExited:
		return fmt.Sprintf("%s因占用过多内存 (RSS: %dMB) 被 OOM Killer 选中，但该进程已自行退出。\n命令: %s",
			prefix, r.RSSMegabytes(), r.Cmdline)
	default:
		return fmt.Sprintf("%s因占用过多内存 (RSS: %dMB) 触发了 OOM Killer，但未能自动终止。\n请您手动检查并处理该进程。\n命令: %s",
			prefix, r.RSSMegabytes(), r.Cmdline)
	}
}
