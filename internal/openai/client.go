// Package openai 是 OpenAI 兼容接口的精简客户端：聊天补全、图片生成与编辑、模型列表。
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/xiaopang/npcforge/internal/config"
	"github.com/xiaopang/npcforge/internal/model"
)

// 操作名，用于指标与日志
const (
	OpChat          = "chat_completion"
	OpImageGenerate = "image_generate"
	OpImageEdit     = "image_edit"
	OpListModels    = "list_models"
)

// maxResponseBytes 图片 base64 可能较大；测试中可调小
var maxResponseBytes = 32 << 20

// ChatRequest 聊天补全参数
type ChatRequest struct {
	Model       string
	Messages    []model.Message
	Temperature *float64
	MaxTokens   *int
	User        string
	JSONMode    bool // 要求返回 JSON 对象
}

// ChatResult 聊天补全结果
type ChatResult struct {
	Content string
	Model   string
	Usage   model.Usage
}

// Observer 每次上游调用结束后回调
type Observer func(operation string, elapsed time.Duration, err error)

// Client OpenAI 兼容客户端
type Client struct {
	baseURL    string
	apiKey     string
	imageModel string
	imageSize  string
	http       *http.Client
	observe    Observer
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 替换底层 http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithObserver 设置调用观察者
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observe = o }
}

// New 根据配置创建客户端
func New(cfg *config.OpenAIConfig, opts ...Option) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		imageModel: cfg.ImageModel,
		imageSize:  cfg.ImageSize,
		http:       &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChatCompletion 调用 /chat/completions
func (c *Client) ChatCompletion(ctx context.Context, req ChatRequest) (result *ChatResult, err error) {
	defer c.track(OpChat, time.Now(), &err)

	payload := model.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		User:        req.User,
	}
	if req.JSONMode {
		payload.ResponseFormat = &model.ResponseFormat{Type: "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, "/chat/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	root := gjson.ParseBytes(raw)
	content := root.Get("choices.0.message.content")
	if !content.Exists() {
		return nil, &ParseError{Operation: OpChat, Raw: truncate(raw), Cause: errMissingField}
	}
	return &ChatResult{
		Content: content.String(),
		Model:   root.Get("model").String(),
		Usage: model.Usage{
			PromptTokens:     int(root.Get("usage.prompt_tokens").Int()),
			CompletionTokens: int(root.Get("usage.completion_tokens").Int()),
			TotalTokens:      int(root.Get("usage.total_tokens").Int()),
		},
	}, nil
}

// GenerateImage 调用 /images/generations
func (c *Client) GenerateImage(ctx context.Context, prompt string) (img *model.Image, err error) {
	defer c.track(OpImageGenerate, time.Now(), &err)

	body := []byte(`{"n":1}`)
	body, _ = sjson.SetBytes(body, "model", c.imageModel)
	body, _ = sjson.SetBytes(body, "prompt", prompt)
	if c.imageSize != "" {
		body, _ = sjson.SetBytes(body, "size", c.imageSize)
	}
	// gpt-image-* 固定返回 b64_json，不接受 response_format
	if strings.HasPrefix(c.imageModel, "dall-e") {
		body, _ = sjson.SetBytes(body, "response_format", "b64_json")
	}

	raw, err := c.do(ctx, http.MethodPost, "/images/generations", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return parseImage(OpImageGenerate, raw)
}

// EditImage 调用 /images/edits，image 为 PNG 原始字节
func (c *Client) EditImage(ctx context.Context, image []byte, prompt string) (img *model.Image, err error) {
	defer c.track(OpImageEdit, time.Now(), &err)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{"model": c.imageModel, "prompt": prompt, "n": "1"}
	if c.imageSize != "" {
		fields["size"] = c.imageSize
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="portrait.png"`)
	h.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create image part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("write image part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, "/images/edits", mw.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}
	return parseImage(OpImageEdit, raw)
}

// ListModels 调用 /models，仅用于连通性检查
func (c *Client) ListModels(ctx context.Context) (err error) {
	defer c.track(OpListModels, time.Now(), &err)

	raw, err := c.do(ctx, http.MethodGet, "/models", "", nil)
	if err != nil {
		return err
	}
	if !gjson.GetBytes(raw, "data").IsArray() {
		return &ParseError{Operation: OpListModels, Raw: truncate(raw), Cause: errMissingField}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxResponseBytes)+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, raw)
	}
	if len(raw) > maxResponseBytes {
		return nil, fmt.Errorf("openai %s %s: %w (limit %d bytes)", method, path, ErrResponseTooLarge, maxResponseBytes)
	}
	return raw, nil
}

func (c *Client) track(op string, start time.Time, errp *error) {
	if c.observe != nil {
		c.observe(op, time.Since(start), *errp)
	}
}

func parseImage(op string, raw []byte) (*model.Image, error) {
	first := gjson.GetBytes(raw, "data.0")
	img := &model.Image{
		B64JSON:       first.Get("b64_json").String(),
		URL:           first.Get("url").String(),
		RevisedPrompt: first.Get("revised_prompt").String(),
	}
	if img.B64JSON == "" && img.URL == "" {
		return nil, &ParseError{Operation: op, Raw: truncate(raw), Cause: errMissingField}
	}
	return img, nil
}

func truncate(raw []byte) string {
	return truncateUTF8(string(raw), 500, "...")
}

// truncateUTF8 按字节截断到 limit，不切断多字节字符
func truncateUTF8(s string, limit int, suffix string) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}
