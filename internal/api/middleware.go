package api

import (
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/internal/observability/metrics"
	"AgentVault-Chain/internal/session"
	"AgentVault-Chain/pkg/logger"
)

// gated 在熔断非 ACTIVE 时拒绝写操作。
// 熔断状态读取失败时放行并记录：闸门故障不应让整个 API 瘫痪。
func (s *Server) gated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		locked, err := s.breaker.Locked(r.Context())
		if err != nil {
			logger.Named("api").Warn("熔断状态读取失败", "error", err)
		} else if locked {
			writeError(w, xerrors.New(xerrors.CodeSystemLocked, "系统已熔断，拒绝资金操作"))
			return
		}
		next(w, r)
	}
}

// statusRecorder 捕获响应状态码供指标统计。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录请求量、错误率与时延。
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

// requireSession 校验 Bearer 令牌并返回对应会话。
// 吊销记录优先于签名有效性，熔断后的旧令牌在这里被拦下。
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || strings.TrimSpace(token) == "" {
		writeError(w, xerrors.New(xerrors.CodeSessionRevoked, "缺少会话令牌"))
		return nil, false
	}
	sess, err := s.sessions.Validate(r.Context(), strings.TrimSpace(token))
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeNotFound) {
			err = xerrors.New(xerrors.CodeSessionRevoked, "会话不存在")
		}
		writeError(w, err)
		return nil, false
	}
	return sess, true
}

func hexEncode(data []byte) string {
	return hex.EncodeToString(data)
}
