package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"osf-archiver/archiver/service"
	"osf-archiver/caching"
	"osf-archiver/goutils/datamodel"
	"osf-archiver/goutils/health"
	"osf-archiver/goutils/settings"
)

const (
	handlerTimeout      = time.Minute
	callbackMaxBodySize = int64(1 << 20)
	SignatureHeader     = "X-Signature"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// CallbackHandler completes addons whose copy WaterButler accepted asynchronously.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, dstNodeID, addon string, callback *datamodel.WaterButlerCallback) error
}

// Gateway serves health checks and WaterButler callbacks.
type Gateway struct {
	server         *http.Server
	handler        CallbackHandler
	callbackSecret string
}

func NewGateway(settingsObj *settings.SettingsObj, handler CallbackHandler, checks map[string]health.Check) *Gateway {
	g := &Gateway{
		handler:        handler,
		callbackSecret: settingsObj.WaterButler.CallbackSecret,
	}

	if g.callbackSecret == "" {
		log.Warning("waterbutler callback secret is not set, callbacks are not verified")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET(settingsObj.Healthcheck.Endpoint, gin.WrapH(health.HealthCheckHandler(checks)))
	router.POST("/callbacks/archive/:dst/:provider", g.callbackHandler)

	g.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", settingsObj.Healthcheck.Port),
		Handler: router,
	}

	return g
}

func (g *Gateway) Handler() http.Handler {
	return g.server.Handler
}

// Start serves in the background.
func (g *Gateway) Start() {
	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("failed to start archiver http server")
		}

		log.Info("archiver http server was shutdown")
	}()

	log.WithField("addr", g.server.Addr).Info("started archiver http server")
}

func (g *Gateway) Stop(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

// Sign returns the hex HMAC-SHA256 of payload, as expected in the X-Signature header.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)

	return hex.EncodeToString(mac.Sum(nil))
}

func (g *Gateway) verify(payload []byte, signature string) bool {
	if g.callbackSecret == "" {
		return true
	}

	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(g.callbackSecret))
	mac.Write(payload)

	return hmac.Equal(mac.Sum(nil), expected)
}

func (g *Gateway) callbackHandler(c *gin.Context) {
	dst := c.Param("dst")
	provider := c.Param("provider")
	l := log.WithField("dstNodeID", dst).WithField("addon", provider)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, callbackMaxBodySize)

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		l.WithError(err).Error("failed to read callback body")
		c.Status(http.StatusBadRequest)

		return
	}

	if !g.verify(payload, c.GetHeader(SignatureHeader)) {
		l.Warn("invalid callback signature")
		c.Status(http.StatusUnauthorized)

		return
	}

	callback := new(datamodel.WaterButlerCallback)
	if err = json.Unmarshal(payload, callback); err != nil {
		l.WithError(err).Error("failed to parse callback body")
		c.Status(http.StatusBadRequest)

		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
	defer cancel()

	err = g.handler.HandleCallback(ctx, dst, provider, callback)

	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, caching.ErrJobNotFound), errors.Is(err, service.ErrUnknownTarget):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		l.WithError(err).Error("failed to handle callback")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
