package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.doFunc != nil {
		return m.doFunc(req)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("{}")),
	}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() models.TelegramConfig {
	return models.TelegramConfig{
		BotToken: "123456:ABC-DEF",
		ChatID:   "-100123456789",
	}
}

func testMessage() models.NotificationMessage {
	return models.NotificationMessage{
		Subject: "borg-timemachine on nas: 1 job failed",
		Body:    "Failed jobs:\n  home (create, exit 2)",
		HTML:    "❌ <b>Backup failed</b>\n<code>home</code>",
	}
}

func TestSend_Success(t *testing.T) {
	var capturedRequest *http.Request
	var capturedBody sendMessageRequest

	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			capturedRequest = req
			body, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(body, &capturedBody)
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
			}, nil
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")
	err := svc.Send(context.Background(), testConfig(), testMessage())

	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, capturedRequest.Method)
	assert.Contains(t, capturedRequest.URL.String(), "/bot123456:ABC-DEF/sendMessage")
	assert.Equal(t, "application/json", capturedRequest.Header.Get("Content-Type"))

	assert.Equal(t, "-100123456789", capturedBody.ChatID)
	assert.Equal(t, "HTML", capturedBody.ParseMode)
	assert.True(t, capturedBody.DisableWebPagePreview)
	assert.Equal(t, testMessage().HTML, capturedBody.Text)
}

func TestSend_HTTPErrorHidesToken(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return nil, &url.Error{Op: "Post", URL: req.URL.String(), Err: errors.New("connection refused")}
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")
	err := svc.Send(context.Background(), testConfig(), testMessage())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NotContains(t, err.Error(), "ABC-DEF")
}

func TestSend_APIError(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusBadRequest,
				Body:       io.NopCloser(strings.NewReader(`{"ok":false,"description":"Bad Request: chat not found"}`)),
			}, nil
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")
	err := svc.Send(context.Background(), testConfig(), testMessage())

	require.Error(t, err)
	assert.Equal(t, "telegram API returned status 400: Bad Request: chat not found", err.Error())
}

func TestSend_APIErrorWithoutBody(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusBadGateway,
				Body:       io.NopCloser(strings.NewReader("<html>")),
			}, nil
		},
	}

	err := NewWithClient(testLogger(), httpClient, "https://api.telegram.org").
		Send(context.Background(), testConfig(), testMessage())

	assert.EqualError(t, err, "telegram API returned status 502")
}

func TestSend_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return nil, req.Context().Err()
		},
	}

	err := NewWithClient(testLogger(), httpClient, "https://api.telegram.org").
		Send(ctx, testConfig(), testMessage())

	assert.ErrorIs(t, err, context.Canceled)
}

func TestMessageText_FallsBackToEscapedBody(t *testing.T) {
	msg := models.NotificationMessage{Subject: "a < b", Body: "x & y"}

	assert.Equal(t, "<b>a &lt; b</b>\n\n<pre>x &amp; y</pre>", messageText(msg))
}

func TestMessageText_CutsToLimit(t *testing.T) {
	msg := models.NotificationMessage{
		Subject: "long",
		Body:    strings.Repeat("<&>", 3000),
		HTML:    strings.Repeat("x", maxMessageLength+1),
	}

	text := messageText(msg)

	assert.LessOrEqual(t, utf8.RuneCountInString(text), maxMessageLength)
	assert.True(t, strings.HasPrefix(text, "<b>long</b>"))
	assert.True(t, strings.HasSuffix(text, "…</pre>"))
	// No entity is split by the cut.
	inner := strings.TrimSuffix(strings.TrimPrefix(text, "<b>long</b>\n\n<pre>"), "…</pre>")
	assert.True(t, strings.HasSuffix(inner, ";"))
}
