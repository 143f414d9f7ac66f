package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"
)

func named(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Route", name)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(r.Method))
	}
}

func newRouterExpect(t *testing.T, routes Routes) *httpexpect.Expect {
	t.Helper()
	handler, err := NewRouter(routes)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   &http.Client{Timeout: 5 * time.Second},
	})
}

func TestNewRouterValidatesRoutes(t *testing.T) {
	_, err := NewRouter(Routes{RenderPath: "/gadgets/ifr"})
	require.Error(t, err)
	_, err = NewRouter(Routes{RenderPath: "gadgets/ifr", Render: named("render")})
	require.Error(t, err)
}

func TestRouterDispatchesRoutes(t *testing.T) {
	expect := newRouterExpect(t, Routes{
		RenderPath: "/gadgets/ifr",
		Render:     named("render"),
		Health:     named("health"),
		Metadata:   named("metadata"),
		Purge:      named("purge"),
		Metrics:    named("metrics"),
	})

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
		expect.Request(method, "/gadgets/ifr").Expect().
			Status(http.StatusOK).
			Header("X-Route").IsEqual("render")
	}
	expect.GET("/healthz").Expect().Header("X-Route").IsEqual("health")
	expect.GET("/health").Expect().Header("X-Route").IsEqual("health")
	expect.GET("/gadgets/metadata").Expect().Header("X-Route").IsEqual("metadata")
	expect.POST("/gadgets/metadata").Expect().Header("X-Route").IsEqual("metadata")
	expect.POST("/gadgets/cache/purge").Expect().Header("X-Route").IsEqual("purge")
	expect.GET("/metrics").Expect().Header("X-Route").IsEqual("metrics")

	expect.GET("/unknown").Expect().Status(http.StatusNotFound)
	expect.DELETE("/healthz").Expect().Status(http.StatusMethodNotAllowed)
}

func TestRouterOmitsOptionalRoutes(t *testing.T) {
	expect := newRouterExpect(t, Routes{RenderPath: "/ifr", Render: named("render")})
	expect.GET("/ifr").Expect().Status(http.StatusOK)
	expect.GET("/healthz").Expect().Status(http.StatusNotFound)
	expect.GET("/gadgets/metadata").Expect().Status(http.StatusNotFound)
	expect.POST("/gadgets/cache/purge").Expect().Status(http.StatusNotFound)
	expect.GET("/metrics").Expect().Status(http.StatusNotFound)
}

func TestRouterRecoversFromPanics(t *testing.T) {
	expect := newRouterExpect(t, Routes{
		RenderPath: "/gadgets/ifr",
		Render: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}),
	})
	expect.GET("/gadgets/ifr").Expect().Status(http.StatusInternalServerError)
}
