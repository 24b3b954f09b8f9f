package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/loamtrace/elt/internal/httpclient"
	"github.com/loamtrace/elt/internal/store"
)

type responseMessage struct {
	Message string `json:"message"`
}

func httpResponse(w http.ResponseWriter, msg string, code int) {
	v, _ := json.Marshal(responseMessage{
		Message: msg,
	})

	httpResponseJSONByte(w, v, code)
}

func httpResponseJSON(w http.ResponseWriter, msg any, code int) {
	v, _ := json.Marshal(msg)

	httpResponseJSONByte(w, v, code)
}

func httpResponseJSONByte(w http.ResponseWriter, msg []byte, code int) {
	w.Header().Set("Content-Type", "application/json")

	w.WriteHeader(code)
	w.Write(msg)
}

// httpError maps internal error kinds onto coarse HTTP statuses at the API
// edge. Everything unclassified is a 500.
func httpError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		httpResponse(w, "not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, store.ErrDuplicateActiveJob) {
		httpResponse(w, "a sync for this stream is already pending or running", http.StatusConflict)
		return
	}

	var herr *httpclient.Error
	if errors.As(err, &herr) {
		switch herr.Kind {
		case httpclient.KindAuth:
			httpResponse(w, "source requires reauthorization", http.StatusUnauthorized)
		case httpclient.KindRateLimit:
			httpResponse(w, "rate limited", http.StatusTooManyRequests)
		case httpclient.KindValidation:
			httpResponse(w, err.Error(), http.StatusBadRequest)
		case httpclient.KindClient:
			httpResponse(w, err.Error(), http.StatusBadRequest)
		case httpclient.KindConfiguration:
			httpResponse(w, err.Error(), http.StatusServiceUnavailable)
		default:
			httpResponse(w, "upstream failure", http.StatusServiceUnavailable)
		}
		return
	}

	httpResponse(w, "internal error", http.StatusInternalServerError)
}
