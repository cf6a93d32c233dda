package dataset

import (
	"fmt"
	"math/rand"
	"net/netip"
	"time"

	"github.com/jmerrifield20/ddosguard/internal/schema"
)

// Columns is the column order of generated datasets.
var Columns = []string{
	"timestamp", "source_ip", "http_method", "url_path", "user_agent",
	"content_length", "http_version", "num_headers", "headers_length",
	"is_proxy", "cookie_present", "request_duration", "req_rate_1min",
	"ua_variance", "tls_version", "geo_location", "device_type",
	"entropy_rate", "attack_type",
}

// Attack families produced by the generator.
const (
	AttackVolumetric  = "volumetric"
	AttackProtocol    = "protocol"
	AttackApplication = "application"
)

// GenerateConfig controls synthetic traffic generation.
type GenerateConfig struct {
	Rows           int
	AttackFraction float64
	Seed           int64
	Start          time.Time // first timestamp; rows spread over 30 days
	NormalIPs      int
	AttackIPs      int
}

func (c GenerateConfig) withDefaults() GenerateConfig {
	if c.Rows <= 0 {
		c.Rows = 1000
	}
	if c.AttackFraction <= 0 || c.AttackFraction >= 1 {
		c.AttackFraction = 0.5
	}
	if c.Start.IsZero() {
		c.Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if c.NormalIPs <= 0 {
		c.NormalIPs = 2000
	}
	if c.AttackIPs <= 0 {
		c.AttackIPs = 100
	}
	return c
}

type span struct{ lo, hi float64 }

func (s span) draw(rng *rand.Rand) float64 { return s.lo + rng.Float64()*(s.hi-s.lo) }

func (s span) drawInt(rng *rand.Rand) int { return int(s.lo) + rng.Intn(int(s.hi-s.lo)) }

var attackProfiles = map[string]struct{ rate, duration span }{
	AttackVolumetric:  {rate: span{5000, 20000}, duration: span{0.1, 5}},
	AttackProtocol:    {rate: span{100, 1000}, duration: span{10, 60}},
	AttackApplication: {rate: span{500, 5000}, duration: span{5, 30}},
}

var attackTypes = []string{AttackVolumetric, AttackProtocol, AttackApplication}

var benignAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 Chrome/120.0 Mobile Safari/537.36",
}

var attackAgents = []string{
	"",
	"python-requests/2.9.1",
	"curl/7.35.0",
	"Mozilla/5.0 (compatible; MSIE 6.0; Windows NT 5.1; SV1; .NET CLR 1.1.4322)",
}

// Generate produces a labelled synthetic dataset resembling benign browsing
// mixed with volumetric, protocol and application-layer floods. Output is a
// pure function of cfg.
func Generate(cfg GenerateConfig) *Dataset {
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))

	normalPool := make([]string, cfg.NormalIPs)
	for i := range normalPool {
		normalPool[i] = randomIPv4(rng)
	}
	attackPool := make([]string, cfg.AttackIPs)
	for i := range attackPool {
		if rng.Float64() < 0.8 {
			attackPool[i] = randomIPv4(rng)
		} else {
			attackPool[i] = randomIPv6(rng)
		}
	}

	attacks := int(float64(cfg.Rows)*cfg.AttackFraction + 0.5)
	ds := &Dataset{
		Records: make([]schema.Record, 0, cfg.Rows),
		Labels:  make([]int, 0, cfg.Rows),
	}
	window := 30 * 24 * time.Hour
	for i := 0; i < cfg.Rows; i++ {
		attack := i >= cfg.Rows-attacks
		ts := cfg.Start.Add(time.Duration(rng.Int63n(int64(window))))
		var rec schema.Record
		if attack {
			rec = attackRecord(rng, attackPool)
		} else {
			rec = benignRecord(rng, normalPool)
		}
		rec["timestamp"] = ts.Format(time.RFC3339)
		rec["http_method"] = weighted(rng, []string{"GET", "POST", "PUT", "DELETE", "HEAD"}, []float64{85, 10, 2, 1, 2})
		rec["url_path"] = weighted(rng, []string{"/", "/api", "/login", "/static/image.jpg", "/download"}, []float64{40, 30, 15, 10, 5})
		rec["headers_length"] = float64(100 + rng.Intn(1900))

		ds.Records = append(ds.Records, rec)
		if attack {
			ds.Labels = append(ds.Labels, 1)
		} else {
			ds.Labels = append(ds.Labels, 0)
		}
	}
	return ds
}

func benignRecord(rng *rand.Rand, pool []string) schema.Record {
	rec := schema.Record{
		"source_ip":        pool[rng.Intn(len(pool))],
		"user_agent":       benignAgents[rng.Intn(len(benignAgents))],
		"content_length":   float64(rng.Intn(2000)),
		"http_version":     weighted(rng, []string{"HTTP/1.0", "HTTP/1.1", "HTTP/2"}, []float64{5, 85, 10}),
		"num_headers":      float64(span{5, 20}.drawInt(rng)),
		"is_proxy":         0.0,
		"cookie_present":   boolFloat(rng.Float64() > 0.3),
		"request_duration": span{0.05, 2}.draw(rng),
		"req_rate_1min":    float64(span{1, 30}.drawInt(rng)),
		"ua_variance":      float64(span{1, 3}.drawInt(rng)),
		"tls_version":      nullable(weighted(rng, []string{"1.2", "1.3", ""}, []float64{0.7, 0.2, 0.1})),
		"geo_location":     weighted(rng, []string{"US", "EU", "ASIA", "OTHER"}, []float64{0.4, 0.3, 0.2, 0.1}),
		"device_type":      []string{"server", "desktop", "mobile"}[rng.Intn(3)],
		"entropy_rate":     span{0.3, 0.7}.draw(rng),
		"attack_type":      nil,
	}
	// transient slowness and benign bursts
	if rng.Float64() < 0.01 {
		rec["request_duration"] = rec["request_duration"].(float64) * span{2, 10}.draw(rng)
	}
	if rng.Float64() < 0.005 {
		rec["req_rate_1min"] = rec["req_rate_1min"].(float64) * span{5, 20}.draw(rng)
	}
	return rec
}

func attackRecord(rng *rand.Rand, pool []string) schema.Record {
	kind := attackTypes[rng.Intn(len(attackTypes))]
	profile := attackProfiles[kind]

	ua := attackAgents[rng.Intn(len(attackAgents))]
	if rng.Float64() > 0.6 {
		ua = benignAgents[rng.Intn(len(benignAgents))]
	}
	if kind == AttackVolumetric && rng.Float64() < 0.3 {
		ua = fmt.Sprintf("XATTACK-%08x", rng.Uint32())
	}

	return schema.Record{
		"source_ip":        pool[rng.Intn(len(pool))],
		"user_agent":       ua,
		"content_length":   float64(rng.Intn(10000)),
		"http_version":     weighted(rng, []string{"HTTP/1.0", "HTTP/1.1", "HTTP/2"}, []float64{20, 70, 10}),
		"num_headers":      float64(span{1, 25}.drawInt(rng)),
		"is_proxy":         boolFloat(rng.Float64() > 0.95),
		"cookie_present":   0.0,
		"request_duration": profile.duration.draw(rng),
		"req_rate_1min":    float64(profile.rate.drawInt(rng)),
		"ua_variance":      float64(span{1, 20}.drawInt(rng)),
		"tls_version":      nullable(weighted(rng, []string{"", "1.0", "1.1"}, []float64{0.1, 0.3, 0.6})),
		"geo_location":     weighted(rng, []string{"ASIA", "EU", "US", "OTHER"}, []float64{0.5, 0.3, 0.1, 0.1}),
		"device_type":      []string{"server", "iot"}[rng.Intn(2)],
		"entropy_rate":     span{0.7, 1}.draw(rng),
		"attack_type":      kind,
	}
}

func weighted(rng *rand.Rand, values []string, weights []float64) string {
	var total float64
	for _, w := range weights {
		total += w
	}
	x := rng.Float64() * total
	for i, w := range weights {
		if x < w {
			return values[i]
		}
		x -= w
	}
	return values[len(values)-1]
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func randomIPv4(rng *rand.Rand) string {
	var b [4]byte
	for i := range b {
		b[i] = byte(rng.Intn(256))
	}
	b[0] = 1 + b[0]%223 // skip 0/8 and multicast
	return netip.AddrFrom4(b).String()
}

func randomIPv6(rng *rand.Rand) string {
	var b [16]byte
	b[0], b[1] = 0x20, 0x01
	for i := 2; i < len(b); i++ {
		b[i] = byte(rng.Intn(256))
	}
	return netip.AddrFrom16(b).String()
}
