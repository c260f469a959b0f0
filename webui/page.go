package webui

import (
	"strconv"

	"openenterprise/imacdimmer/config"
	"openenterprise/imacdimmer/netlink"
	"openenterprise/imacdimmer/version"
)

const pageHead = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><meta name="viewport" content="width=device-width,initial-scale=1">
<title>iMac Dimmer</title>
<style>
body{font-family:sans-serif;max-width:32em;margin:2em auto;padding:0 1em;background:#111;color:#eee}
input[type=range]{width:100%}button{margin:.2em;padding:.5em 1em}
.dim{color:#888;font-size:.9em}
</style></head><body>
<h1>iMac Dimmer</h1>
`

// The status LED pin is spliced between the two script halves.
const (
	pageScriptHead = `<script>
function send(p){fetch('/serial?cmd='+p).then(r=>r.text()).then(t=>{document.getElementById('out').textContent=t;document.getElementById('pct').textContent=p;});}
function led(s){fetch('/led?pin=`
	pageScriptTail = `&state='+s).then(r=>r.text()).then(t=>{document.getElementById('out').textContent=t;});}
</script>
`
)

const pageTail = `<p><button onclick="send(10)">10%</button><button onclick="send(25)">25%</button><button onclick="send(50)">50%</button><button onclick="send(75)">75%</button><button onclick="send(100)">100%</button></p>
<p><button onclick="led(1)">LED on</button><button onclick="led(0)">LED off</button></p>
<pre id="out"></pre>
<p class="dim"><a href="/wifistatus">wifistatus</a> &middot; <a href="/version">version</a></p>
</body></html>
`

// appendPage renders the control page into dst.
func (r *Router) appendPage(dst []byte) []byte {
	ctl := r.deps.Controller
	pct := strconv.Itoa(ctl.Percent())

	dst = append(dst, pageHead...)

	dst = append(dst, `<p>Brightness: <b id="pct">`...)
	dst = append(dst, pct...)
	dst = append(dst, `</b>% (duty `...)
	dst = strconv.AppendInt(dst, int64(ctl.Level()), 10)
	dst = append(dst, `/255)</p>
<input type="range" min="0" max="100" value="`...)
	dst = append(dst, pct...)
	dst = append(dst, `" onchange="send(this.value)">
`...)

	status := netlink.StatusDisconnected
	var info netlink.Info
	if r.deps.Link != nil {
		status = r.deps.Link.Status()
		info = r.deps.Link.Info()
	}
	dst = append(dst, `<p class="dim">WiFi: `...)
	dst = append(dst, status.String()...)
	if info.SSID != "" {
		dst = append(dst, " ("...)
		dst = appendEscaped(dst, info.SSID)
		dst = append(dst, ')')
	}
	if info.Addr.IsValid() {
		dst = append(dst, " &middot; "...)
		dst = append(dst, info.Addr.String()...)
	}
	dst = append(dst, "<br>Firmware "...)
	dst = appendEscaped(dst, version.Firmware())
	dst = append(dst, " &middot; built "...)
	dst = appendEscaped(dst, version.Date())
	dst = append(dst, " &middot; up "...)
	dst = strconv.AppendInt(dst, int64(r.uptime().Seconds()), 10)
	dst = append(dst, "s</p>\n"...)

	dst = append(dst, pageScriptHead...)
	dst = strconv.AppendInt(dst, config.StatusLEDPin, 10)
	dst = append(dst, pageScriptTail...)
	return append(dst, pageTail...)
}

// appendEscaped writes s with the HTML metacharacters escaped.
func appendEscaped(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '<':
			dst = append(dst, "&lt;"...)
		case '>':
			dst = append(dst, "&gt;"...)
		case '&':
			dst = append(dst, "&amp;"...)
		case '"':
			dst = append(dst, "&quot;"...)
		case '\'':
			dst = append(dst, "&#39;"...)
		default:
			dst = append(dst, c)
		}
	}
	return dst
}
