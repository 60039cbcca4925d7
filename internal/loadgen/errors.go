package loadgen

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/rand/v2"
	"net"
	"net/url"
	"syscall"
)

// 请求错误类别
const (
	ErrKindTimeout   = "timeout"
	ErrKindCancelled = "cancelled"
	ErrKindDNS       = "dns"
	ErrKindRefused   = "connection_refused"
	ErrKindReset     = "connection_reset"
	ErrKindTLS       = "tls"
	ErrKindBodyRead  = "body_read"
	ErrKindOther     = "other"
)

// Classify 把请求错误归类为有限的类别，用于统计。
// 不是 *url.Error 的错误来自读取响应体。
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return ErrKindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrKindDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrKindRefused
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return ErrKindReset
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrKindTimeout
	}
	var (
		certErr    *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		recordErr  tls.RecordHeaderError
		invalidErr x509.CertificateInvalidError
	)
	if errors.As(err, &certErr) || errors.As(err, &unknownCA) || errors.As(err, &hostErr) ||
		errors.As(err, &recordErr) || errors.As(err, &invalidErr) {
		return ErrKindTLS
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ErrKindOther
	}
	return ErrKindBodyRead
}

func randInt63n(n int64) int64 {
	return rand.Int64N(n)
}
