package source

import (
	"bytes"
	"net/http"
)

// BlockKind names the anti-bot protection a site answered with.
type BlockKind string

const (
	BlockNone       BlockKind = ""
	BlockCloudflare BlockKind = "cloudflare"
	BlockCaptcha    BlockKind = "captcha"
	BlockJSShell    BlockKind = "js_shell"
)

// BlockedError is returned when a response is a challenge page instead of
// content. It is not retried: repeating the request gets the same page.
type BlockedError struct {
	URL  string
	Kind BlockKind
}

func (e *BlockedError) Error() string {
	return "source: blocked by " + string(e.Kind) + " at " + e.URL
}

// Body markers are only trusted on short pages or refused requests; a long
// report may legitimately mention any of these words.
const shellMaxBytes = 4096

// detectBlock reports whether resp/body is an anti-bot challenge.
func detectBlock(resp *http.Response, body []byte) BlockKind {
	if resp == nil {
		return BlockNone
	}

	refused := resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable
	if refused && (resp.Header.Get("Cf-Ray") != "" || resp.Header.Get("Cf-Cache-Status") != "" || resp.Header.Get("Server") == "cloudflare") {
		return BlockCloudflare
	}
	if !refused && len(body) > shellMaxBytes {
		return BlockNone
	}

	lower := bytes.ToLower(body)
	switch {
	case bytes.Contains(lower, []byte("checking your browser")),
		bytes.Contains(lower, []byte("cf-browser-verification")),
		bytes.Contains(lower, []byte("cloudflare")) && bytes.Contains(lower, []byte("challenge")):
		return BlockCloudflare
	case bytes.Contains(lower, []byte("captcha")):
		return BlockCaptcha
	case bytes.Contains(lower, []byte("<noscript")) && bytes.Contains(lower, []byte("enable javascript")),
		bytes.Contains(lower, []byte(`meta http-equiv="refresh"`)):
		return BlockJSShell
	}
	return BlockNone
}
