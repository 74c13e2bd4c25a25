package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"paper-trading-bots/internal/models"
)

// Response 是统一的 API 响应格式
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   any    `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func success(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Status: "success", Data: data})
}

func successMessage(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, Response{Status: "success", Message: message, Data: data})
}

func created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, Response{Status: "success", Data: data})
}

func errorResponse(w http.ResponseWriter, code int, message string, err error) {
	resp := Response{Status: "error", Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, code, resp)
}

// statusFor maps a manager error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrBotNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
