package blackbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinoosan/tokenledger/internal/errs"
	"github.com/tinoosan/tokenledger/internal/ledger"
)

var content = ledger.DatasetContent{
	Type:  ledger.DatasetTypeImages,
	Pairs: []ledger.Pair{{ImagePath: "in/a.png", MaskPath: "in/a_mask.png"}},
}

func TestProcess(t *testing.T) {
	user := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/process-dataset", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		var req processRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, user.String(), req.UserID)
		assert.Equal(t, content, req.Data)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"images":  []map[string]string{{"originalPath": "in/a.png", "outputPath": "out/processed_a.png"}},
		})
	}))
	defer srv.Close()

	images, videos, err := New(srv.URL+"/", nil).Process(context.Background(), user, content)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "out/processed_a.png", images[0].OutputPath)
	assert.Empty(t, videos)
}

func TestProcessFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"unsuccessful", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":false,"error":"model crashed"}`))
		}},
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"success":false,"error":"boom"}`))
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			_, _, err := New(srv.URL, nil).Process(context.Background(), uuid.New(), content)
			assert.ErrorIs(t, err, errs.ErrJobDispatch)
		})
	}
}

func TestProcessHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := New(srv.URL, nil).Process(ctx, uuid.New(), content)
	assert.ErrorIs(t, err, errs.ErrJobDispatch)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()
	assert.NoError(t, New(srv.URL, nil).Health(context.Background()))
}
