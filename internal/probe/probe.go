// Package probe checks whether the configured marketplace account can sign
// in. It keeps the session in memory only and never stores credentials.
package probe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"futflow/config"
	"futflow/logger"
)

const (
	defaultLoginURL = "https://www.futbin.com/account/login"
	defaultHomeURL  = "https://www.futbin.com/"
	defaultTimeout  = 25 * time.Second
	maxBodyBytes    = 2 << 20
)

// ErrNotConfigured is returned when no credentials are available.
var ErrNotConfigured = errors.New("probe credentials are not configured")

// Result is the diagnostic report. Status fields stay nil for steps that
// never ran.
type Result struct {
	OK              bool     `json:"ok"`
	Step            string   `json:"step"`
	LoginGetStatus  *int     `json:"login_get_status"`
	LoginPostStatus *int     `json:"login_post_status"`
	HomeStatus      *int     `json:"home_status"`
	FinalURL        *string  `json:"final_url"`
	AuthedGuess     bool     `json:"authed_guess"`
	HasCSRF         bool     `json:"has_csrf"`
	Errors          []string `json:"errors"`
}

type Prober struct {
	cfg       config.ProbeConfig
	timeout   time.Duration
	userAgent string
	transport http.RoundTripper
	log       *logger.Log
}

func New(cfg config.ProbeConfig, reader config.ReaderConfig) *Prober {
	if cfg.LoginURL == "" {
		cfg.LoginURL = defaultLoginURL
	}
	if cfg.HomeURL == "" {
		cfg.HomeURL = defaultHomeURL
	}
	timeout := reader.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Prober{
		cfg:       cfg,
		timeout:   timeout,
		userAgent: reader.UserAgent,
		transport: http.DefaultTransport,
		log:       logger.GetLogger(),
	}
}

func (p *Prober) Enabled() bool {
	return p != nil && p.cfg.Enabled
}

// Run performs GET login, POST credentials, then GET home on a fresh cookie
// session. Network failures are reported in the result, not as an error.
func (p *Prober) Run(ctx context.Context) (Result, error) {
	if p.cfg.Username == "" || p.cfg.Password == "" {
		return Result{}, ErrNotConfigured
	}

	res := Result{Step: "init", Errors: []string{}}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return res, err
	}
	client := &http.Client{Jar: jar, Timeout: p.timeout, Transport: p.transport}
	log := p.log.WithComponent("probe")

	res.Step = "login_get"
	status, _, _, err := p.do(ctx, client, http.MethodGet, p.cfg.LoginURL, nil)
	if err != nil {
		return p.fail(res, err, log), nil
	}
	res.LoginGetStatus = &status

	form := url.Values{}
	form.Set("username", p.cfg.Username)
	form.Set("password", p.cfg.Password)
	if token := csrfToken(jar, p.cfg.LoginURL); token != "" {
		res.HasCSRF = true
		form.Set("_token", token)
	}

	res.Step = "login_post"
	status, _, _, err = p.do(ctx, client, http.MethodPost, p.cfg.LoginURL, form)
	if err != nil {
		return p.fail(res, err, log), nil
	}
	res.LoginPostStatus = &status

	res.Step = "home"
	status, finalURL, body, err := p.do(ctx, client, http.MethodGet, p.cfg.HomeURL, nil)
	if err != nil {
		return p.fail(res, err, log), nil
	}
	res.HomeStatus = &status
	res.FinalURL = &finalURL

	lower := strings.ToLower(body)
	res.AuthedGuess = strings.Contains(lower, "logout") || strings.Contains(lower, "sign out")
	res.OK = true
	res.Step = "done"

	log.WithFields(logger.Fields{
		"home_status":  status,
		"authed_guess": res.AuthedGuess,
		"has_csrf":     res.HasCSRF,
	}).Info("login probe finished")
	return res, nil
}

func (p *Prober) fail(res Result, err error, log *logger.Entry) Result {
	res.Errors = append(res.Errors, err.Error())
	log.WithError(err).WithFields(logger.Fields{"step": res.Step}).Warn("login probe failed")
	res.Step = "network_error"
	return res
}

func (p *Prober) do(ctx context.Context, client *http.Client, method, target string, form url.Values) (int, string, string, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, "", "", err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, resp.Request.URL.String(), "", err
	}
	return resp.StatusCode, resp.Request.URL.String(), string(data), nil
}

func csrfToken(jar http.CookieJar, target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	for _, c := range jar.Cookies(u) {
		if strings.Contains(strings.ToLower(c.Name), "csrf") {
			return c.Value
		}
	}
	return ""
}
