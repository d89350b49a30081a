package httpx

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cqu-marketplace/order-service/internal/apperr"
)

// Response is the envelope shared by every endpoint, external and internal:
// {code, message, data, timestamp}. code mirrors the HTTP status.
type Response struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func OK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{
		Code:      http.StatusOK,
		Message:   "OK",
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Err maps a business error to its transport status via the apperr taxonomy.
// Unknown errors become an opaque 500.
func Err(w http.ResponseWriter, err error) {
	status := apperr.StatusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, Response{
		Code:      status,
		Message:   msg,
		Timestamp: time.Now().UnixMilli(),
	})
}
