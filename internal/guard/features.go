package guard

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jmerrifield20/ddosguard/internal/reqstats"
	"github.com/jmerrifield20/ddosguard/internal/schema"
)

// DefaultGeoHeader carries the client's ISO country code when the service
// runs behind Cloudflare.
const DefaultGeoHeader = "CF-IPCountry"

// ExtractFeatures builds the feature record of a live request. ip is the
// resolved client address and st the source's request statistics.
func ExtractFeatures(r *http.Request, ip string, st reqstats.Stats, geoHeader string, now time.Time) schema.Record {
	ua := r.UserAgent()
	contentLength := r.ContentLength
	if contentLength < 0 {
		contentLength = 0
	}

	return schema.Record{
		schema.DefaultTimestampField: now.UTC().Format(time.RFC3339Nano),
		"source_ip":                  ip,
		"http_method":                r.Method,
		"url_path":                   r.URL.Path,
		"user_agent":                 ua,
		"content_length":             contentLength,
		"http_version":               httpVersion(r),
		"num_headers":                numHeaders(r),
		"headers_length":             headersLength(r),
		"is_proxy":                   flag(r.Header.Get("X-Forwarded-For") != ""),
		"cookie_present":             flag(r.Header.Get("Cookie") != ""),
		"request_duration":           st.PrevDuration,
		"req_rate_1min":              st.ReqRate1Min,
		"ua_variance":                st.UAVariance,
		"tls_version":                tlsVersion(r.TLS),
		"geo_location":               region(r.Header.Get(geoHeader)),
		"device_type":                DeviceType(ua),
	}
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func httpVersion(r *http.Request) string {
	if r.ProtoMajor >= 2 {
		return fmt.Sprintf("HTTP/%d", r.ProtoMajor)
	}
	return fmt.Sprintf("HTTP/%d.%d", r.ProtoMajor, r.ProtoMinor)
}

// numHeaders counts Host, which net/http removes from the header map.
func numHeaders(r *http.Request) int {
	n := len(r.Header)
	if r.Host != "" {
		n++
	}
	return n
}

// headersLength is the byte length of the headers as a JSON object with
// lower-case names.
func headersLength(r *http.Request) int {
	h := make(map[string]string, len(r.Header)+1)
	for k, v := range r.Header {
		h[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	if r.Host != "" {
		h["host"] = r.Host
	}
	b, err := json.Marshal(h)
	if err != nil {
		return 0
	}
	return len(b)
}

func tlsVersion(cs *tls.ConnectionState) any {
	if cs == nil {
		return nil
	}
	switch cs.Version {
	case tls.VersionTLS10:
		return "1.0"
	case tls.VersionTLS11:
		return "1.1"
	case tls.VersionTLS12:
		return "1.2"
	case tls.VersionTLS13:
		return "1.3"
	default:
		return nil
	}
}

var regions = map[string]string{
	"US": "US",
	"AT": "EU", "BE": "EU", "BG": "EU", "CH": "EU", "CY": "EU", "CZ": "EU",
	"DE": "EU", "DK": "EU", "EE": "EU", "ES": "EU", "FI": "EU", "FR": "EU",
	"GB": "EU", "GR": "EU", "HR": "EU", "HU": "EU", "IE": "EU", "IT": "EU",
	"LT": "EU", "LU": "EU", "LV": "EU", "MT": "EU", "NL": "EU", "NO": "EU",
	"PL": "EU", "PT": "EU", "RO": "EU", "SE": "EU", "SI": "EU", "SK": "EU",
	"BD": "ASIA", "CN": "ASIA", "HK": "ASIA", "ID": "ASIA", "IN": "ASIA",
	"JP": "ASIA", "KH": "ASIA", "KR": "ASIA", "MY": "ASIA", "PH": "ASIA",
	"PK": "ASIA", "SG": "ASIA", "TH": "ASIA", "TW": "ASIA", "VN": "ASIA",
}

// region maps an ISO country code to the coarse regions the model is trained
// on. An absent or unknown code ("XX", "T1") yields null.
func region(code string) any {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || code == "XX" || code == "T1" {
		return nil
	}
	if r, ok := regions[code]; ok {
		return r
	}
	return "OTHER"
}

var (
	mobileMarkers = []string{"mobile", "android", "iphone", "ipad"}
	iotMarkers    = []string{"mirai", "busybox", "hajime", "gafgyt", "iot"}
	serverMarkers = []string{"curl", "wget", "python", "go-http-client", "java/", "okhttp", "libwww", "httpclient", "bot", "spider", "crawler"}
)

// DeviceType classifies a user agent as mobile, iot, server or desktop.
// An empty user agent is treated as an automated client.
func DeviceType(ua string) string {
	l := strings.ToLower(ua)
	switch {
	case l == "":
		return "server"
	case containsAny(l, iotMarkers):
		return "iot"
	case containsAny(l, mobileMarkers):
		return "mobile"
	case containsAny(l, serverMarkers):
		return "server"
	default:
		return "desktop"
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
