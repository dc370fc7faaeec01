package api

import (
	"encoding/json"
	"net/http"

	xerrors "AgentVault-Chain/internal/errors"
)

// errorBody 是统一的错误响应体。
type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 把统一错误类型映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	body := errorBody{Code: string(code), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
		body.Details = e.Metadata()
	}
	writeJSON(w, statusOf(code), body)
}

func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeApprovalExpired:
		return http.StatusConflict
	case xerrors.CodePolicyDenied:
		return http.StatusForbidden
	case xerrors.CodeSessionRevoked:
		return http.StatusUnauthorized
	case xerrors.CodeSystemLocked:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
