package catalog

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// DefaultLogstashTimeframe is ten days, in seconds.
const DefaultLogstashTimeframe = 864000

// EncodeLogstashQuery builds the "query=...&from=...s" fragment a Kibana 3
// front end accepts. The query is JSON-escaped without its surrounding quotes
// and then percent-encoded, keeping '/' literal.
func EncodeLogstashQuery(query string, timeframe int) string {
	if timeframe <= 0 {
		timeframe = DefaultLogstashTimeframe
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(query); err != nil {
		return ""
	}
	raw := strings.TrimSpace(buf.String())
	inner := raw[1 : len(raw)-1]
	escaped := strings.ReplaceAll(url.PathEscape(inner), "%2F", "/")
	return "query=" + escaped + "&from=" + strconv.Itoa(timeframe) + "s"
}
