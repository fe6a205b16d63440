package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-oomguard/pkg/config"
	"github.com/core-tools/hsu-oomguard/pkg/errors"
	"github.com/core-tools/hsu-oomguard/pkg/logging"

	"github.com/google/uuid"
)

const (
	feishuTokenPath   = "/open-apis/auth/v3/tenant_access_token/internal"
	feishuMessagePath = "/open-apis/im/v1/messages"

	// Refresh the tenant token this long before Feishu expires it
	feishuTokenMargin = 5 * time.Minute

	// Feishu codes for an expired or invalid tenant token
	feishuCodeTokenInvalid = 99991663
	feishuCodeTokenExpired = 99991661

	maxResponseBytes = 1 << 20
)

// FeishuChannel sends text messages through a Feishu (Lark) bot application
type FeishuChannel struct {
	appID         string
	appSecret     string
	baseURL       string
	receiveIDType string
	emailDomain   string
	userIDs       map[string]string
	client        *http.Client
	logger        logging.Logger
	now           func() time.Time

	mutex       sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewFeishuChannel(cfg *config.FeishuConfig, timeout time.Duration, logger logging.Logger) *FeishuChannel {
	userIDs := make(map[string]string, len(cfg.UserIDs))
	for user, id := range cfg.UserIDs {
		userIDs[user] = id
	}
	return &FeishuChannel{
		appID:         cfg.AppID,
		appSecret:     cfg.AppSecret,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		receiveIDType: cfg.ReceiveIDType,
		emailDomain:   cfg.EmailDomain,
		userIDs:       userIDs,
		client:        &http.Client{Timeout: timeout},
		logger:        logger,
		now:           time.Now,
	}
}

func (f *FeishuChannel) Name() string {
	return config.ChannelFeishu
}

type feishuTokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

type feishuMessageRequest struct {
	ReceiveID string `json:"receive_id"`
	MsgType   string `json:"msg_type"`
	Content   string `json:"content"`
	UUID      string `json:"uuid,omitempty"`
}

type feishuResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (f *FeishuChannel) Send(ctx context.Context, user, message string) error {
	receiveID, receiveIDType := f.resolveReceiver(user)

	token, err := f.tenantToken(ctx)
	if err != nil {
		return err
	}

	content, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return errors.NewInternalError("failed to encode feishu message content", err)
	}

	// Same user and text yield the same uuid, so Feishu drops duplicates
	// produced by retries
	request := feishuMessageRequest{
		ReceiveID: receiveID,
		MsgType:   "text",
		Content:   string(content),
		UUID:      uuid.NewSHA1(uuid.NameSpaceOID, []byte(receiveID+"\x00"+message)).String(),
	}

	endpoint := f.baseURL + feishuMessagePath + "?receive_id_type=" + url.QueryEscape(receiveIDType)
	var response feishuResponse
	if err := f.postJSON(ctx, endpoint, token, request, &response); err != nil {
		return err
	}

	if response.Code != 0 {
		if response.Code == feishuCodeTokenInvalid || response.Code == feishuCodeTokenExpired {
			f.invalidateToken()
		}
		return errors.NewNotificationError(
			fmt.Sprintf("feishu rejected message: code %d: %s", response.Code, response.Msg),
			nil,
		).WithContext("receive_id", receiveID)
	}

	f.logger.Infof("Feishu notification sent to %s (%s=%s)", user, receiveIDType, receiveID)
	return nil
}

// resolveReceiver maps a local username to a Feishu receive id. Explicit
// mappings win, then username@email_domain, then the raw name.
func (f *FeishuChannel) resolveReceiver(user string) (string, string) {
	if id, ok := f.userIDs[user]; ok {
		return id, f.receiveIDType
	}
	if f.emailDomain != "" && !strings.Contains(user, "@") {
		return user + "@" + strings.TrimPrefix(f.emailDomain, "@"), "email"
	}
	return user, f.receiveIDType
}

func (f *FeishuChannel) tenantToken(ctx context.Context) (string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.token != "" && f.now().Before(f.tokenExpiry) {
		return f.token, nil
	}

	request := map[string]string{
		"app_id":     f.appID,
		"app_secret": f.appSecret,
	}
	var response feishuTokenResponse
	if err := f.postJSON(ctx, f.baseURL+feishuTokenPath, "", request, &response); err != nil {
		return "", err
	}
	if response.Code != 0 || response.TenantAccessToken == "" {
		return "", errors.NewNotificationError(
			fmt.Sprintf("failed to obtain feishu tenant token: code %d: %s", response.Code, response.Msg),
			nil,
		)
	}

	lifetime := time.Duration(response.Expire)*time.Second - feishuTokenMargin
	if lifetime < 0 {
		lifetime = 0
	}
	f.token = response.TenantAccessToken
	f.tokenExpiry = f.now().Add(lifetime)
	return f.token, nil
}

func (f *FeishuChannel) invalidateToken() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.token = ""
}

func (f *FeishuChannel) postJSON(ctx context.Context, endpoint, token string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.NewInternalError("failed to encode feishu request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.NewNotificationError("failed to build feishu request", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return errors.NewNotificationError("feishu request failed", err).WithContext("endpoint", endpoint)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.NewNotificationError("failed to read feishu response", err)
	}

	// Feishu reports most failures in the JSON body, sometimes with a non-2xx status
	if err := json.Unmarshal(data, out); err != nil {
		return errors.NewNotificationError(
			fmt.Sprintf("unexpected feishu response (HTTP %d)", resp.StatusCode),
			err,
		).WithContext("endpoint", endpoint)
	}
	return nil
}
