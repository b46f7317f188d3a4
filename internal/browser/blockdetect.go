package browser

import (
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
)

// BlockType names an anti-bot response.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
	BlockChallenge  BlockType = "challenge"
)

// ErrBlocked is wrapped by errors for pages that served an anti-bot wall.
var ErrBlocked = eris.New("browser: blocked")

var challengeMarkers = []string{
	"checking your browser",
	"cf-browser-verification",
	"please enable cookies",
	"just a moment...",
	"attention required",
	"pardon our interruption",
}

var captchaMarkers = []string{"captcha", "recaptcha", "hcaptcha", "px-captcha"}

// DetectBlock inspects a response for signs of a bot wall. resp may be nil
// for bodies obtained from a renderer.
func DetectBlock(resp *http.Response, body []byte) BlockType {
	if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable) {
		if resp.Header.Get("cf-ray") != "" || strings.EqualFold(resp.Header.Get("server"), "cloudflare") {
			return BlockCloudflare
		}
	}

	lower := strings.ToLower(string(body))
	for _, m := range challengeMarkers {
		if strings.Contains(lower, m) {
			return BlockChallenge
		}
	}
	for _, m := range captchaMarkers {
		if strings.Contains(lower, m) {
			return BlockCaptcha
		}
	}

	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return BlockJSShell
		}
		if strings.Contains(lower, `http-equiv="refresh"`) {
			return BlockJSShell
		}
	}
	return BlockNone
}
