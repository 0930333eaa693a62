package aliyun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aliyun/alibaba-cloud-sdk-go/sdk"
	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/requests"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRegion      = "cn-shanghai"
	DefaultMetaDomain  = "nls-meta.cn-shanghai.aliyuncs.com"
	createTokenVersion = "2019-02-28"
	// refreshMargin refreshes a cached token this long before it expires.
	refreshMargin = 60 * time.Second
)

// Token is an NLS access token.
type Token struct {
	ID       string
	ExpireAt time.Time
}

// TokenFetcher issues a fresh token.
type TokenFetcher interface {
	FetchToken(ctx context.Context) (Token, error)
}

// TokenSource returns a token valid for at least a short while.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// SDKFetcher calls the CreateToken POP API with an AccessKey pair.
type SDKFetcher struct {
	AccessKeyID     string
	AccessKeySecret string
	Region          string
	Domain          string
}

type createTokenResponse struct {
	Token struct {
		ID         string `json:"Id"`
		ExpireTime int64  `json:"ExpireTime"`
	} `json:"Token"`
	ErrMsg string `json:"ErrMsg"`
}

func (f SDKFetcher) FetchToken(ctx context.Context) (Token, error) {
	if strings.TrimSpace(f.AccessKeyID) == "" || strings.TrimSpace(f.AccessKeySecret) == "" {
		return Token{}, fmt.Errorf("aliyun access key pair is not configured")
	}
	region := f.Region
	if region == "" {
		region = DefaultRegion
	}
	domain := f.Domain
	if domain == "" {
		domain = DefaultMetaDomain
	}
	client, err := sdk.NewClientWithAccessKey(region, f.AccessKeyID, f.AccessKeySecret)
	if err != nil {
		return Token{}, fmt.Errorf("create aliyun client: %w", err)
	}

	req := requests.NewCommonRequest()
	req.Method = "POST"
	req.Domain = domain
	req.ApiName = "CreateToken"
	req.Version = createTokenVersion

	type result struct {
		tok Token
		err error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := client.ProcessCommonRequest(req)
		if err != nil {
			done <- result{err: fmt.Errorf("create token: %w", err)}
			return
		}
		tok, err := parseCreateToken(resp.GetHttpContentBytes())
		done <- result{tok: tok, err: err}
	}()

	select {
	case r := <-done:
		return r.tok, r.err
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

func parseCreateToken(body []byte) (Token, error) {
	var out createTokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Token{}, fmt.Errorf("decode create token response: %w", err)
	}
	if out.Token.ID == "" {
		msg := out.ErrMsg
		if msg == "" {
			msg = "empty token"
		}
		return Token{}, fmt.Errorf("create token: %s", msg)
	}
	return Token{ID: out.Token.ID, ExpireAt: time.Unix(out.Token.ExpireTime, 0)}, nil
}

// CachedTokenSource caches one token and refreshes it shortly before expiry.
// Concurrent refreshes share a single fetch.
type CachedTokenSource struct {
	fetcher TokenFetcher
	logger  *slog.Logger
	now     func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	tok   Token
}

func NewCachedTokenSource(fetcher TokenFetcher, logger *slog.Logger) *CachedTokenSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedTokenSource{fetcher: fetcher, logger: logger, now: time.Now}
}

func (c *CachedTokenSource) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.tok
	c.mu.Unlock()
	if tok.ID != "" && c.now().Add(refreshMargin).Before(tok.ExpireAt) {
		return tok.ID, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		fresh, err := c.fetcher.FetchToken(ctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.tok = fresh
		c.mu.Unlock()
		c.logger.Info("nls token refreshed", "expires_at", fresh.ExpireAt.UTC().Format(time.RFC3339))
		return fresh.ID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Warm fetches a token eagerly so the first voice session does not pay for it.
func (c *CachedTokenSource) Warm(ctx context.Context) {
	if _, err := c.Token(ctx); err != nil {
		c.logger.Warn("nls token prefetch failed", "error", err)
	}
}

// StaticTokenSource always returns the same token.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("token is empty")
	}
	return string(s), nil
}
