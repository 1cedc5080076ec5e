package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/marci1175/szechat/server/internal/blob"
)

// HTTPAPI exposes the byte-retrieval surface of §4.3 (FetchFile, FetchImage,
// FetchAudio, FetchClient) over plain HTTP, alongside the control-protocol
// request/reply pair, mirroring the teacher's echo-based api.go.
type HTTPAPI struct {
	addr  string
	state *ServerState
	blobs *blob.Store
	echo  *echo.Echo
}

// NewHTTPAPI builds an echo server bound to addr.
func NewHTTPAPI(addr string, state *ServerState, blobs *blob.Store) *HTTPAPI {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	api := &HTTPAPI{addr: addr, state: state, blobs: blobs, echo: e}

	e.GET("/healthz", api.handleHealthz)
	e.GET("/log/:index/file", api.handleFetchFile)
	e.GET("/blobs/:signature", api.handleFetchBlob)
	e.GET("/clients/:uuid", api.handleFetchClient)

	return api
}

// Run serves until ctx is canceled.
func (a *HTTPAPI) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.echo.Shutdown(shutdownCtx)
	}()

	err := a.echo.Start(a.addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (a *HTTPAPI) handleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (a *HTTPAPI) handleFetchFile(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return c.String(http.StatusBadRequest, "bad index")
	}
	entry, ok := a.state.EntryAt(index)
	if !ok || entry.Payload.Signature == "" {
		return c.String(http.StatusNotFound, "not found")
	}
	return a.streamBlob(c, entry.Payload.Signature, entry.Payload.ContentType, entry.Payload.Filename)
}

func (a *HTTPAPI) handleFetchBlob(c echo.Context) error {
	return a.streamBlob(c, c.Param("signature"), "", "")
}

func (a *HTTPAPI) streamBlob(c echo.Context, signature, contentType, filename string) error {
	f, err := a.blobs.Open(signature)
	if err != nil {
		return c.String(http.StatusNotFound, "not found")
	}
	defer f.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if filename != "" {
		c.Response().Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	}
	return c.Stream(http.StatusOK, contentType, f)
}

func (a *HTTPAPI) handleFetchClient(c echo.Context) error {
	sub, ok := a.state.Subscriber(c.Param("uuid"))
	if !ok {
		return c.String(http.StatusNotFound, "not found")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"uuid":         sub.UUID,
		"display_name": sub.DisplayName,
	})
}
