package webui

import (
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"openenterprise/imacdimmer/command"
	"openenterprise/imacdimmer/config"
	"openenterprise/imacdimmer/dimmer"
	"openenterprise/imacdimmer/jsonw"
	"openenterprise/imacdimmer/netlink"
	"openenterprise/imacdimmer/version"
)

// LED is the status LED as seen by /led.
type LED interface {
	Set(on bool)
	On() bool
}

// Link reports WiFi state for /wifistatus.
type Link interface {
	Status() netlink.Status
	Info() netlink.Info
}

// Deps are the shared components the routes act on.
type Deps struct {
	Controller *dimmer.Controller
	Dispatcher *command.Dispatcher
	LED        LED
	Link       Link
	// Uptime returns time since boot. May be nil.
	Uptime func() time.Duration
}

type handlerFunc func(req Request) Response

// Router maps GET requests to handlers by path.
type Router struct {
	deps   Deps
	logger *slog.Logger
	routes map[string]handlerFunc

	jsonBuf [512]byte
	pageBuf []byte

	requests int
	errors   int
}

// NewRouter builds the route table.
func NewRouter(deps Deps, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Router{deps: deps, logger: logger}
	r.routes = map[string]handlerFunc{
		"/":           r.handleRoot,
		"/wifistatus": r.handleWifiStatus,
		"/version":    r.handleVersion,
		"/serial":     r.handleSerial,
		"/led":        r.handleLED,
		"/brightness": r.handleBrightness,
	}
	return r
}

// Handle parses a raw request head and routes it.
func (r *Router) Handle(raw []byte) Response {
	req, err := ParseRequest(raw)
	if err != nil {
		r.requests++
		r.errors++
		r.logger.Warn("http:bad-request", slog.String("err", err.Error()))
		if errors.Is(err, ErrIncomplete) {
			return Text(400, "Incomplete request")
		}
		return Text(400, "Malformed request")
	}
	return r.Serve(req)
}

// Serve routes a parsed request.
func (r *Router) Serve(req Request) Response {
	r.requests++
	resp := r.route(req)
	if resp.Status >= 400 {
		r.errors++
	}
	r.logger.Info("http:request",
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Int("status", resp.Status),
	)
	return resp
}

func (r *Router) route(req Request) (resp Response) {
	h, ok := r.routes[req.Path]
	if !ok {
		return Text(404, "Not found")
	}
	if req.Method != "GET" {
		return Text(405, "Method not allowed")
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("http:panic-recovered", slog.String("path", req.Path))
			resp = Text(500, "Internal error")
		}
	}()
	return h(req)
}

// Stats returns the number of requests served and how many failed.
func (r *Router) Stats() (requests, errs int) {
	return r.requests, r.errors
}

// intParam parses a query value with the same leading-digit rules as the
// serial protocol. Values without digits parse to 0 and are logged.
func (r *Router) intParam(req Request, key string) int {
	v := req.Param(key)
	if !command.HasLeadingDigits(v) {
		r.logger.Warn("http:non-numeric-param",
			slog.String("param", key),
			slog.String("value", v),
		)
	}
	return command.ParseLeadingInt(v)
}

func (r *Router) handleRoot(req Request) Response {
	r.pageBuf = r.appendPage(r.pageBuf[:0])
	return HTML(r.pageBuf)
}

func (r *Router) uptime() time.Duration {
	if r.deps.Uptime == nil {
		return 0
	}
	return r.deps.Uptime()
}

func (r *Router) handleWifiStatus(req Request) Response {
	w := jsonw.New(r.jsonBuf[:])
	ctl := r.deps.Controller

	var status netlink.Status
	var info netlink.Info
	if r.deps.Link != nil {
		status = r.deps.Link.Status()
		info = r.deps.Link.Info()
	}
	ip := ""
	if info.Addr.IsValid() {
		ip = info.Addr.String()
	}

	w.BeginObject()
	w.KeyBool("connected", status == netlink.StatusConnected)
	w.KeyString("status", status.String())
	w.KeyString("ssid", info.SSID)
	w.KeyInt("rssi", int64(info.RSSI))
	w.KeyString("ip", ip)
	w.KeyInt("brightness", int64(ctl.Level()))
	w.KeyInt("brightness_percent", int64(ctl.Percent()))
	w.KeyString("firmware_version", version.Firmware())
	w.KeyString("build_date", version.Date())
	w.KeyInt("uptime_s", int64(r.uptime()/time.Second))
	w.EndObject()
	if w.Overflowed() {
		return Text(500, "Status too large")
	}
	return JSON(w.Bytes())
}

func (r *Router) handleVersion(req Request) Response {
	w := jsonw.New(r.jsonBuf[:])
	w.BeginObject()
	w.KeyString("firmware_version", version.Firmware())
	w.KeyString("build_date", version.Date())
	w.KeyString("git_sha", version.SHA())
	w.EndObject()
	return JSON(w.Bytes())
}

func (r *Router) handleSerial(req Request) Response {
	line := strings.TrimSpace(req.Param("cmd"))
	if !req.Has("cmd") || line == "" {
		return Text(400, "Missing cmd parameter")
	}
	reply, _ := r.deps.Dispatcher.Execute(line, dimmer.SourceHTTP)
	if reply.Failed {
		return Text(500, reply.Text())
	}
	return Text(200, reply.Text())
}

func (r *Router) handleLED(req Request) Response {
	if !req.Has("pin") || !req.Has("state") {
		return Text(400, "Missing pin or state parameter")
	}
	pin := r.intParam(req, "pin")
	if pin != config.StatusLEDPin {
		return Text(400, "Invalid pin")
	}
	on := r.intParam(req, "state") != 0
	r.deps.LED.Set(on)

	state := "OFF"
	if on {
		state = "ON"
	}
	return Text(200, "LED "+strconv.Itoa(pin)+" set to "+state)
}

func (r *Router) handleBrightness(req Request) Response {
	if !req.Has("level") {
		return Text(400, "Missing level parameter")
	}
	level := dimmer.ClampLevel(r.intParam(req, "level"))
	if err := r.deps.Controller.Apply(level, dimmer.SourceHTTP); err != nil {
		return Text(500, "Failed to set brightness")
	}
	return Text(200, "Brightness level set to: "+strconv.Itoa(int(level)))
}
