package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/xiaopang/npcforge/internal/config"
	"github.com/xiaopang/npcforge/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := &config.OpenAIConfig{
		BaseURL:    srv.URL + "/v1/",
		APIKey:     "sk-test",
		ImageModel: "gpt-image-1",
		ImageSize:  "1024x1024",
		Timeout:    5,
	}
	return New(cfg, opts...)
}

func TestChatCompletion(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer auth, got %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"{\"name\":\"Borin\"}"}}],
			"usage":{"prompt_tokens":12,"completion_tokens":8,"total_tokens":20}}`))
	})

	res, err := c.ChatCompletion(context.Background(), ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []model.Message{{Role: "user", Content: "hi"}},
		JSONMode: true,
	})
	if err != nil {
		t.Fatalf("ChatCompletion failed: %v", err)
	}
	if res.Content != `{"name":"Borin"}` {
		t.Errorf("unexpected content %q", res.Content)
	}
	if res.Usage.TotalTokens != 20 || res.Usage.PromptTokens != 12 {
		t.Errorf("unexpected usage %+v", res.Usage)
	}

	rf, _ := got["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("expected json_object response format, got %v", got["response_format"])
	}
	if got["model"] != "gpt-4o-mini" {
		t.Errorf("unexpected model in body: %v", got["model"])
	}
}

func TestChatCompletion_APIError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		rateLimit bool
		auth      bool
		wantMsg   string
	}{
		{"rate limited", 429, `{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`, true, false, "slow down"},
		{"unauthorized", 401, `{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`, false, true, "bad key"},
		{"plain text", 502, `bad gateway`, false, false, "bad gateway"},
		{"empty body", 500, ``, false, false, "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.ChatCompletion(context.Background(), ChatRequest{Model: "m"})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, apiErr.StatusCode)
			}
			if apiErr.Message != tt.wantMsg {
				t.Errorf("expected message %q, got %q", tt.wantMsg, apiErr.Message)
			}
			if IsRateLimited(err) != tt.rateLimit {
				t.Errorf("IsRateLimited = %v", IsRateLimited(err))
			}
			if IsAuth(err) != tt.auth {
				t.Errorf("IsAuth = %v", IsAuth(err))
			}
		})
	}
}

func TestChatCompletion_MissingContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	})
	_, err := c.ChatCompletion(context.Background(), ChatRequest{Model: "m"})
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestGenerateImage(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"data":[{"b64_json":"cG5n","revised_prompt":"a dwarf"}]}`))
	})

	img, err := c.GenerateImage(context.Background(), "portrait of a dwarf")
	if err != nil {
		t.Fatalf("GenerateImage failed: %v", err)
	}
	if img.B64JSON != "cG5n" || img.RevisedPrompt != "a dwarf" {
		t.Errorf("unexpected image %+v", img)
	}
	if got["prompt"] != "portrait of a dwarf" || got["size"] != "1024x1024" || got["model"] != "gpt-image-1" {
		t.Errorf("unexpected body %v", got)
	}
	if _, ok := got["response_format"]; ok {
		t.Error("gpt-image models should not receive response_format")
	}
}

func TestEditImage_Multipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/edits" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		if r.FormValue("prompt") != "add a scar" {
			t.Errorf("unexpected prompt %q", r.FormValue("prompt"))
		}
		f, hdr, err := r.FormFile("image")
		if err != nil {
			t.Errorf("missing image part: %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		if string(data) != "PNGDATA" {
			t.Errorf("unexpected image bytes %q", data)
		}
		if hdr.Header.Get("Content-Type") != "image/png" {
			t.Errorf("unexpected part content type %q", hdr.Header.Get("Content-Type"))
		}
		w.Write([]byte(`{"data":[{"b64_json":"ZWRpdGVk"}]}`))
	})

	img, err := c.EditImage(context.Background(), []byte("PNGDATA"), "add a scar")
	if err != nil {
		t.Fatalf("EditImage failed: %v", err)
	}
	if img.B64JSON != "ZWRpdGVk" {
		t.Errorf("unexpected image %+v", img)
	}
}

func TestListModels_Observer(t *testing.T) {
	var ops []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/models") {
			w.Write([]byte(`{"data":[{"id":"gpt-4o-mini"}]}`))
			return
		}
		w.WriteHeader(404)
	}, WithObserver(func(op string, _ time.Duration, err error) {
		ops = append(ops, op)
	}))

	if err := c.ListModels(context.Background()); err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(ops) != 1 || ops[0] != OpListModels {
		t.Errorf("expected one list_models observation, got %v", ops)
	}
}

func TestAPIError_LongPlainBodyKeepsValidUTF8(t *testing.T) {
	// 3 字节字符，第 200 字节落在字符中间
	body := "x" + strings.Repeat("矮", 150)
	err := newAPIError(502, []byte(body))
	if !utf8.ValidString(err.Message) {
		t.Fatalf("message is not valid UTF-8: %q", err.Message)
	}
	if len(err.Message) > 200 || !strings.HasPrefix(body, err.Message) {
		t.Errorf("unexpected truncation, len=%d", len(err.Message))
	}
}

func TestDo_ResponseTooLarge(t *testing.T) {
	prev := maxResponseBytes
	maxResponseBytes = 64
	t.Cleanup(func() { maxResponseBytes = prev })

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"b64_json":"` + strings.Repeat("A", 200) + `"}]}`))
	})
	_, err := c.GenerateImage(context.Background(), "a dwarf")
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("expected ErrResponseTooLarge, got %v", err)
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		t.Error("oversized body should not surface as a parse error")
	}
}

func TestDo_ResponseAtLimit(t *testing.T) {
	prev := maxResponseBytes
	body := `{"data":[{"b64_json":"QUJD"}]}`
	maxResponseBytes = len(body)
	t.Cleanup(func() { maxResponseBytes = prev })

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
	if _, err := c.GenerateImage(context.Background(), "a dwarf"); err != nil {
		t.Fatalf("body exactly at the limit should be accepted: %v", err)
	}
}
