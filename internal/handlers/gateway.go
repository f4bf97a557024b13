package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/superagenthq/superagent/internal/fault"
	"github.com/superagenthq/superagent/internal/gateway"
)

// Inbound files larger than this are rejected before buffering.
const maxUploadBytes = 8 << 20

// GatewayHandler is the HTTP face of the multi-bot gateway. Container
// agents and operator tooling talk to it; process agents bypass it.
type GatewayHandler struct {
	gw     *gateway.Gateway
	logger *slog.Logger

	upgrader websocket.Upgrader
}

func NewGatewayHandler(log *slog.Logger, gw *gateway.Gateway) *GatewayHandler {
	return &GatewayHandler{
		gw:     gw,
		logger: log.With(slog.String("handler", "gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func (h *GatewayHandler) Register(e *echo.Echo) {
	g := e.Group("/gateway")
	g.POST("/send", h.Send)
	g.POST("/send-file", h.SendFile)
	g.POST("/threads", h.CreateThread)
	g.GET("/messages", h.Messages)
	g.GET("/channels", h.Channels)
	g.GET("/guild", h.Guild)
	g.GET("/attachments/:bot_id/:channel_id/:message_id", h.Attachments)
	g.GET("/attachments/:bot_id/:channel_id/:message_id/download", h.DownloadAttachment)
	g.GET("/bots", h.Bots)
	g.GET("/health", h.Health)
	g.GET("/subscribe", h.Subscribe)
}

func (h *GatewayHandler) Send(c echo.Context) error {
	var req gateway.SendRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, fault.Wrap(fault.KindConfig, "invalid request body", err))
	}
	id, err := h.gw.Send(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message_id": id})
}

func (h *GatewayHandler) SendFile(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return respondError(c, fault.Wrap(fault.KindConfig, "file part is required", err))
	}
	if fileHeader.Size > maxUploadBytes {
		return respondError(c, fault.New(fault.KindConfig, "file exceeds upload limit"))
	}
	f, err := fileHeader.Open()
	if err != nil {
		return respondError(c, fault.Wrap(fault.KindConfig, "open uploaded file", err))
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return respondError(c, fault.Wrap(fault.KindTransport, "read uploaded file", err))
	}

	id, err := h.gw.SendFile(c.Request().Context(), gateway.SendFileRequest{
		BotID:     c.FormValue("bot_id"),
		ChannelID: c.FormValue("channel_id"),
		Content:   c.FormValue("content"),
		Filename:  fileHeader.Filename,
		Data:      data,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message_id": id})
}

func (h *GatewayHandler) CreateThread(c echo.Context) error {
	var req struct {
		BotID     string `json:"bot_id"`
		ChannelID string `json:"channel_id"`
		MessageID string `json:"message_id"`
		Name      string `json:"name"`
	}
	if err := c.Bind(&req); err != nil {
		return respondError(c, fault.Wrap(fault.KindConfig, "invalid request body", err))
	}
	threadID, err := h.gw.CreateThread(c.Request().Context(), req.BotID, req.ChannelID, req.MessageID, req.Name)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"thread_id": threadID})
}

func (h *GatewayHandler) Messages(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	msgs, err := h.gw.Messages(c.Request().Context(),
		c.QueryParam("bot_id"), c.QueryParam("channel_id"), limit, c.QueryParam("before"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

func (h *GatewayHandler) Channels(c echo.Context) error {
	channels, err := h.gw.Channels(c.Request().Context(), c.QueryParam("bot_id"), c.QueryParam("guild_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"channels": channels})
}

func (h *GatewayHandler) Guild(c echo.Context) error {
	guild, err := h.gw.Guild(c.Request().Context(), c.QueryParam("bot_id"), c.QueryParam("guild_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, guild)
}

func (h *GatewayHandler) Attachments(c echo.Context) error {
	atts, err := h.gw.Attachments(c.Request().Context(),
		c.Param("bot_id"), c.Param("channel_id"), c.Param("message_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"attachments": atts})
}

// DownloadAttachment proxies one attachment's bytes from Discord's CDN so
// agents never need direct CDN access.
func (h *GatewayHandler) DownloadAttachment(c echo.Context) error {
	filename := c.QueryParam("filename")
	if filename == "" {
		return respondError(c, fault.New(fault.KindConfig, "filename is required"))
	}
	body, att, err := h.gw.DownloadAttachment(c.Request().Context(),
		c.Param("bot_id"), c.Param("channel_id"), c.Param("message_id"), filename)
	if err != nil {
		return respondError(c, err)
	}
	defer body.Close()

	contentType := att.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+att.Filename+`"`)
	return c.Stream(http.StatusOK, contentType, body)
}

func (h *GatewayHandler) Bots(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"bots": h.gw.Bots()})
}

func (h *GatewayHandler) Health(c echo.Context) error {
	report := h.gw.Health()
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}

// Subscribe upgrades to a websocket and streams the bot's inbound events
// as JSON frames until the client disconnects.
func (h *GatewayHandler) Subscribe(c echo.Context) error {
	botID := strings.TrimSpace(c.QueryParam("bot_id"))
	if botID == "" {
		return respondError(c, fault.New(fault.KindConfig, "bot_id is required"))
	}

	sub, err := h.gw.Subscribe(botID)
	if err != nil {
		return respondError(c, err)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.gw.Unsubscribe(botID, sub.ID)
		return nil // Upgrade already wrote the handshake failure
	}
	defer func() {
		h.gw.Unsubscribe(botID, sub.ID)
		_ = conn.Close()
	}()

	h.logger.Info("subscriber connected", slog.String("bot", botID), slog.String("subscription", sub.ID))

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down"))
				return nil
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("subscriber write failed, dropping connection",
					slog.String("bot", botID), slog.Any("error", err))
				return nil
			}
		}
	}
}
