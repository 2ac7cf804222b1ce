package proxy

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/truvista/truvista-cache/internal/logging"
	"github.com/truvista/truvista-cache/internal/worker"
)

// ForwardOptions configures the forward intercepting proxy.
type ForwardOptions struct {
	Worker *worker.Worker
	Logger *logrus.Logger
	// MITM 打开后 CONNECT 隧道会被解密，HTTPS 请求同样经过 worker。
	MITM   bool
	CACert string
	CAKey  string
}

// Forward 是 goproxy 实现的正向代理：GET 请求交给 worker 拦截，其余方法原样转发。
type Forward struct {
	proxy  *goproxy.ProxyHttpServer
	worker *worker.Worker
	logger *logrus.Logger
}

// NewForward 构建正向代理，MITM 模式下加载 CA 证书。
func NewForward(opts ForwardOptions) (*Forward, error) {
	if opts.Worker == nil {
		return nil, errors.New("forward proxy: worker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}

	p := goproxy.NewProxyHttpServer()
	p.Logger = goproxyLogger{logger: logger}
	f := &Forward{proxy: p, worker: opts.Worker, logger: logger}

	if opts.MITM {
		ca, err := loadCertificate(opts.CACert, opts.CAKey)
		if err != nil {
			return nil, err
		}
		p.CertStore = newCertStore(logger)
		if ca == nil {
			logger.Warn("mitm enabled without CA, using goproxy default certificate")
			p.OnRequest().HandleConnect(goproxy.AlwaysMitm)
		} else {
			mitm := &goproxy.ConnectAction{
				Action:    goproxy.ConnectMitm,
				TLSConfig: goproxy.TLSConfigFromCA(ca),
			}
			p.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
				logger.WithField("host", host).Debug("mitm_connect")
				return mitm, host
			}))
		}
	}

	p.OnRequest().DoFunc(f.intercept)
	return f, nil
}

// ServeHTTP makes Forward usable as an http.Handler.
func (f *Forward) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.proxy.ServeHTTP(w, r)
}

func (f *Forward) intercept(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	if req.Method != http.MethodGet {
		return req, nil
	}

	result, err := f.worker.HandleFetch(req.Context(), req)
	if err != nil {
		f.logger.WithError(err).WithFields(logrus.Fields{
			"action":  "forward",
			"url":     req.URL.String(),
			"session": ctx.Session,
		}).Warn("forward_failed")
		return req, goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusBadGateway, "upstream fetch failed")
	}

	resp := result.Response.HTTPResponse(req)
	resp.Header.Set(HeaderCacheHit, strconv.FormatBool(result.FromCache))
	resp.Header.Set(HeaderStrategy, string(result.Strategy))
	f.logger.WithFields(logrus.Fields{
		"action":    "forward",
		"url":       req.URL.String(),
		"strategy":  result.Strategy,
		"cache_hit": result.FromCache,
	}).Debug("forward_complete")
	return req, resp
}

// loadCertificate 读取 CA 证书对；两者都为空时返回 nil，使用 goproxy 自带 CA。
func loadCertificate(certFile, keyFile string) (*tls.Certificate, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load CA certificate and key: %w", err)
	}
	return &cert, nil
}

// goproxyLogger 把 goproxy 的 Printf 日志转到 logrus debug 级别。
type goproxyLogger struct {
	logger *logrus.Logger
}

func (l goproxyLogger) Printf(format string, v ...interface{}) {
	l.logger.Debugf(format, v...)
}
