package server

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	functiondomain "github.com/openmetron/metron/internal/function/domain"
	obscontext "github.com/openmetron/metron/internal/observability/context"
)

// Invoke traffic is rate limited per owning account, not per caller.
// The bucket refills at invokeRate with headroom for short bursts.
const (
	invokeRate  = 50.0
	invokeBurst = 100
)

func (s *Server) InvokeFunction(c *gin.Context) {
	name := c.Param("name")

	fn, err := s.resolveFunction(c, name)
	if err != nil {
		s.countInvoke(c, "error")
		AbortWithError(c, err)
		return
	}
	if fn == nil {
		s.countInvoke(c, "not_found")
		AbortWithError(c, functiondomain.ErrNotFound)
		return
	}

	switch fn.State {
	case functiondomain.StateActive:
	case functiondomain.StateSuspended:
		s.countInvoke(c, "suspended")
		c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{
			Error: payload("function_suspended", "function is suspended"),
		})
		return
	case functiondomain.StatePending:
		s.countInvoke(c, "not_ready")
		c.Header("Retry-After", "5")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{
			Error: payload("function_not_ready", "function is still deploying"),
		})
		return
	default:
		s.countInvoke(c, "not_found")
		AbortWithError(c, functiondomain.ErrNotFound)
		return
	}

	if fn.URL == "" {
		s.countInvoke(c, "not_ready")
		c.Header("Retry-After", "5")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{
			Error: payload("function_not_ready", "function has no route yet"),
		})
		return
	}

	if s.buckets != nil {
		// Rate limiting fails open: a broken limiter backend must not
		// take invoke traffic down with it.
		res, err := s.buckets.Allow(c.Request.Context(), "invoke:"+fn.AccountID, invokeRate, invokeBurst)
		if err != nil {
			s.log.Warn("invoke rate limit check failed", zap.Error(err))
		} else if !res.Allowed {
			s.countInvoke(c, "rate_limited")
			c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
				Error: payload("rate_limited", "too many requests"),
			})
			return
		}
	}

	proxy, err := s.proxies.get(fn.URL)
	if err != nil {
		s.countInvoke(c, "upstream_error")
		AbortWithError(c, err)
		return
	}

	// Every proxied request is a billable invocation, whatever the
	// upstream answers. The counter is drained by the collector.
	s.requests.Inc(fn.ID, fn.AccountID)
	s.countInvoke(c, "ok")

	ctx := obscontext.WithFunctionName(c.Request.Context(), fn.Name)
	req := c.Request.WithContext(ctx)
	req.URL.Path = c.Param("path")
	if req.URL.Path == "" {
		req.URL.Path = "/"
	}

	proxy.ServeHTTP(c.Writer, req)
}

// resolveFunction serves invoke lookups from the descriptor cache, falling
// back to the database on a miss. Only found descriptors are cached, so a
// burst against a bogus name keeps hitting the database but a real
// function's lookups stay off it.
func (s *Server) resolveFunction(c *gin.Context, name string) (*functiondomain.FunctionDescriptor, error) {
	if fn, ok := s.descriptors.Get(name); ok {
		return fn, nil
	}
	fn, err := s.functionRepo.FindByName(c.Request.Context(), s.db, name)
	if err != nil {
		return nil, err
	}
	if fn != nil {
		s.descriptors.Set(fn)
	}
	return fn, nil
}

func (s *Server) countInvoke(c *gin.Context, outcome string) {
	s.obsMetrics.IncInvokeRequest(c.Request.Context(), outcome)
}

// proxyCache keeps one reverse proxy per upstream URL so transport
// connection pools are reused across invocations.
type proxyCache struct {
	mu      sync.RWMutex
	proxies map[string]*httputil.ReverseProxy
}

func newProxyCache() *proxyCache {
	return &proxyCache{proxies: make(map[string]*httputil.ReverseProxy)}
}

func (p *proxyCache) get(target string) (*httputil.ReverseProxy, error) {
	p.mu.RLock()
	proxy, ok := p.proxies[target]
	p.mu.RUnlock()
	if ok {
		return proxy, nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}

	proxy = httputil.NewSingleHostReverseProxy(u)
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		// Knative routes on the Host header, not the backend IP.
		r.Host = u.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"type":"upstream_error","message":"function did not respond"}}`))
	}

	p.mu.Lock()
	p.proxies[target] = proxy
	p.mu.Unlock()

	return proxy, nil
}
