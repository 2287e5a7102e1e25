package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/propreel/propreel/internal/config"
	inferencedomain "github.com/propreel/propreel/internal/providers/inference/domain"
	"github.com/stretchr/testify/assert"
)

func testClient(baseURL string) inferencedomain.Adapter {
	return NewClient(config.Config{
		Inference: config.InferenceConfig{
			BaseURL:   baseURL,
			APIToken:  "test-token",
			TimeoutMS: 2000,
		},
	})
}

func TestClient_Submit(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/predictions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"pred-123","status":"starting"}`))
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	externalID, err := client.Submit(context.Background(), inferencedomain.SubmitRequest{
		Model:    "kling-v2.1",
		InputRef: "s3://photos/1.jpg",
		Params:   map[string]any{"duration": float64(5)},
	})
	assert.NoError(t, err)
	assert.Equal(t, "pred-123", externalID)
	assert.Equal(t, "Bearer test-token", gotAuth)

	assert.Equal(t, "kling-v2.1", gotBody["model"])
	input, ok := gotBody["input"].(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "s3://photos/1.jpg", input["image"])
	assert.Equal(t, float64(5), input["duration"])
}

func TestClient_SubmitValidation(t *testing.T) {
	client := testClient("http://localhost:0")

	_, err := client.Submit(context.Background(), inferencedomain.SubmitRequest{InputRef: "x"})
	assert.ErrorIs(t, err, inferencedomain.ErrInvalidModel)

	_, err = client.Submit(context.Background(), inferencedomain.SubmitRequest{Model: "m"})
	assert.ErrorIs(t, err, inferencedomain.ErrInvalidInput)
}

func TestClient_PollNormalizesStatuses(t *testing.T) {
	cases := []struct {
		raw    string
		output string
		want   inferencedomain.Status
	}{
		{raw: "starting", want: inferencedomain.StatusQueued},
		{raw: "queued", want: inferencedomain.StatusQueued},
		{raw: "processing", want: inferencedomain.StatusRunning},
		{raw: "succeeded", output: `"s3://out/1.mp4"`, want: inferencedomain.StatusSucceeded},
		{raw: "failed", want: inferencedomain.StatusFailed},
		{raw: "cancelled", want: inferencedomain.StatusFailed},
	}

	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/predictions/pred-1", r.URL.Path)
				body := map[string]any{"id": "pred-1", "status": tc.raw}
				if tc.output != "" {
					body["output"] = json.RawMessage(tc.output)
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(body)
			}))
			defer srv.Close()

			prediction, err := testClient(srv.URL).Poll(context.Background(), "pred-1")
			assert.NoError(t, err)
			assert.Equal(t, tc.want, prediction.Status)
		})
	}
}

func TestClient_PollOutputForms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pred-1","status":"succeeded","output":["s3://out/a.mp4","s3://out/b.mp4"]}`))
	}))
	defer srv.Close()

	prediction, err := testClient(srv.URL).Poll(context.Background(), "pred-1")
	assert.NoError(t, err)
	assert.Equal(t, "s3://out/a.mp4", prediction.Output)
}

func TestClient_ProviderErrorSurfacesAsAdapterError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"input image too large"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Poll(context.Background(), "pred-1")
	assert.ErrorIs(t, err, inferencedomain.ErrAdapter)
	assert.Contains(t, err.Error(), "input image too large")
}

func TestClient_MissingTokenFails(t *testing.T) {
	client := NewClient(config.Config{Inference: config.InferenceConfig{BaseURL: "http://localhost:0"}})

	_, err := client.Poll(context.Background(), "pred-1")
	assert.ErrorIs(t, err, inferencedomain.ErrNotConfigured)
}

func TestClient_Cancel(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pred-1","status":"cancelled"}`))
	}))
	defer srv.Close()

	err := testClient(srv.URL).Cancel(context.Background(), "pred-1")
	assert.NoError(t, err)
	assert.Equal(t, "/v1/predictions/pred-1/cancel", gotPath)
}
