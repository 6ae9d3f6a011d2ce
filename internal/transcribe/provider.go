// SPDX-License-Identifier: MIT

package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zimustudio/zimu/internal/config"
)

var upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "zimu_upstream_requests_total",
	Help: "Upstream transcription requests, by provider and status class",
}, []string{"provider", "class"})

// Outcome is the raw result of one provider call before normalization.
type Outcome struct {
	OK      bool
	Text    string
	ErrCode string // taxonomy code, e.g. DG_ERR_500, EMPTY_TRANSCRIPT
	Status  int    // upstream HTTP status, 0 when never sent
}

// Providers holds the configured upstream endpoints and the shared client.
type Providers struct {
	Client *http.Client

	DeepgramKey  string
	DeepgramBase string
	HFToken      string
	HFURL        string

	Timeout time.Duration
}

// listenURL normalizes the configured base so both ".../v1" and bare hosts
// resolve to the same endpoint.
func (p *Providers) listenURL(path string) string {
	base := strings.TrimRight(p.DeepgramBase, "/")
	base = strings.TrimSuffix(base, "/v1")
	return base + "/v1/" + strings.TrimLeft(path, "/")
}

// modelDefaults are the conservative per-model parameter defaults. Every
// value may be overridden explicitly via job options. whisper-large gets
// smart_format off to reduce formatting side effects in subtitles.
func modelDefaults(model string) map[string]bool {
	base := map[string]bool{
		"smart_format":     true,
		"punctuate":        true,
		"diarize":          false,
		"paragraphs":       false,
		"numerals":         false,
		"profanity_filter": false,
		"utterances":       true,
		"filler_words":     false,
	}
	if strings.ToLower(model) == "whisper-large" {
		base["smart_format"] = false
	}
	return base
}

func statusClass(status int) string {
	if status == 0 {
		return "none"
	}
	return fmt.Sprintf("%dxx", status/100)
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Deepgram transcribes one segment WAV via the general provider.
func (p *Providers) Deepgram(ctx context.Context, segPath, model, language string, options map[string]any) Outcome {
	if p.DeepgramKey == "" {
		return Outcome{ErrCode: "DEEPGRAM_API_KEY missing"}
	}

	params := url.Values{}
	params.Set("model", model)
	for key, def := range modelDefaults(model) {
		val := def
		if raw, ok := options[key]; ok {
			val = boolishAny(raw, def)
		}
		params.Set(key, strconv.FormatBool(val))
	}
	if raw, ok := options["utt_split"]; ok {
		if f, ok := floatAny(raw); ok {
			if f < 0.1 {
				f = 0.1
			}
			if f > 5.0 {
				f = 5.0
			}
			params.Set("utt_split", fmt.Sprintf("%.2f", f))
		}
	}
	if raw, ok := options["keywords"]; ok {
		for _, kw := range stringSliceAny(raw) {
			params.Add("keywords", kw)
		}
	}
	if language == "auto" {
		params.Set("detect_language", "true")
	} else {
		params.Set("language", language)
	}

	status, body, err := p.postAudio(ctx, p.listenURL("/listen")+"?"+params.Encode(),
		"Token "+p.DeepgramKey, segPath, p.Timeout)
	upstreamRequests.WithLabelValues("deepgram", statusClass(status)).Inc()
	if err != nil {
		return Outcome{ErrCode: "DG_REQ_ERR: " + truncate(err.Error(), 180), Status: status}
	}
	if status != http.StatusOK {
		return Outcome{ErrCode: fmt.Sprintf("DG_ERR_%d: %s", status, compactBody(body)), Status: status}
	}

	var parsed deepgramResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Outcome{ErrCode: "DG_JSON_PARSE_ERR", Status: status}
	}
	text := ""
	if len(parsed.Results.Channels) > 0 && len(parsed.Results.Channels[0].Alternatives) > 0 {
		text = strings.TrimSpace(parsed.Results.Channels[0].Alternatives[0].Transcript)
	}
	if text == "" {
		return Outcome{ErrCode: "EMPTY_TRANSCRIPT", Status: status}
	}
	return Outcome{OK: true, Text: text, Status: status}
}

type hfResponse struct {
	Text string `json:"text"`
}

// HF transcribes one segment WAV via the Japanese-specialist endpoint.
func (p *Providers) HF(ctx context.Context, segPath string) Outcome {
	if p.HFToken == "" {
		return Outcome{ErrCode: "HF_TOKEN missing"}
	}

	// Model cold starts make this endpoint slower than the general one.
	timeout := p.Timeout
	if timeout < 120*time.Second {
		timeout = 120 * time.Second
	}

	u := p.HFURL
	if strings.Contains(u, "?") {
		u += "&wait_for_model=true"
	} else {
		u += "?wait_for_model=true"
	}

	status, body, err := p.postAudio(ctx, u, "Bearer "+p.HFToken, segPath, timeout)
	upstreamRequests.WithLabelValues("hf", statusClass(status)).Inc()
	if err != nil {
		return Outcome{ErrCode: "HF_REQ_ERR: " + truncate(err.Error(), 180), Status: status}
	}
	if status != http.StatusOK {
		return Outcome{ErrCode: fmt.Sprintf("HF_ERR_%d: %s", status, compactBody(body)), Status: status}
	}

	var parsed hfResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Outcome{ErrCode: "HF_JSON_PARSE_ERR", Status: status}
	}
	text := strings.TrimSpace(parsed.Text)
	if text == "" {
		return Outcome{ErrCode: "HF_EMPTY_TRANSCRIPT", Status: status}
	}
	return Outcome{OK: true, Text: text, Status: status}
}

// postAudio streams a WAV file as the raw request body.
func (p *Providers) postAudio(ctx context.Context, rawURL, auth, segPath string, timeout time.Duration) (int, []byte, error) {
	f, err := os.Open(segPath)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, f)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// getJSON performs an authorized GET against the general provider; GETs go
// through the retrying transport.
func (p *Providers) getJSON(ctx context.Context, rawURL string, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Token "+p.DeepgramKey)

	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	return resp.StatusCode, json.Unmarshal(body, out)
}

type projectsResponse struct {
	Projects []struct {
		ProjectID string `json:"project_id"`
	} `json:"projects"`
}

type balancesResponse struct {
	Balances []struct {
		Amount float64 `json:"amount"`
	} `json:"balances"`
}

// Balance sums the remaining credit on the general provider account. An
// empty projectID resolves the first project.
func (p *Providers) Balance(ctx context.Context, projectID string) (float64, string, error) {
	if p.DeepgramKey == "" {
		return 0, "", fmt.Errorf("DEEPGRAM_API_KEY missing")
	}
	if projectID == "" {
		var projects projectsResponse
		if _, err := p.getJSON(ctx, p.listenURL("/projects"), &projects); err != nil {
			return 0, "", fmt.Errorf("list projects: %w", err)
		}
		if len(projects.Projects) == 0 {
			return 0, "", fmt.Errorf("no projects available")
		}
		projectID = projects.Projects[0].ProjectID
		if projectID == "" {
			return 0, "", fmt.Errorf("project id missing")
		}
	}
	var balances balancesResponse
	if _, err := p.getJSON(ctx, p.listenURL("/projects/"+projectID+"/balances"), &balances); err != nil {
		return 0, projectID, fmt.Errorf("fetch balances: %w", err)
	}
	total := 0.0
	for _, b := range balances.Balances {
		total += b.Amount
	}
	return total, projectID, nil
}

// truncate caps s at n bytes, backing off to a rune boundary so a multi-byte
// character is never split.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func compactBody(body []byte) string {
	s := strings.ReplaceAll(string(body), "\n", " ")
	return truncate(s, 180)
}

func boolishAny(v any, def bool) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case string:
		return config.Boolish(x, def)
	}
	return def
}

func floatAny(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		if s := strings.TrimSpace(x); s != "" {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func stringSliceAny(v any) []string {
	var out []string
	switch x := v.(type) {
	case []string:
		for _, s := range x {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range x {
			s := strings.TrimSpace(fmt.Sprintf("%v", item))
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
