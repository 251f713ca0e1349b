// Package services maps (port, protocol) pairs to IANA-registered service
// names. The registry CSV is bundled at build time; an on-disk copy can be
// supplied to pick up a newer registry without rebuilding.
package services

import (
	"bytes"
	"embed"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"grimm.is/loginsight/internal/logging"
)

//go:embed data/service-names-port-numbers.csv
var bundled embed.FS

// Display-friendly overrides for IANA service names.
var displayOverrides = map[string]string{
	"domain": "DNS",
}

type key struct {
	port  int
	proto string
}

// Catalog holds the loaded service-name registry.
type Catalog struct {
	names map[key]string
	descs map[key]string
}

// Load reads the registry from path, falling back to the bundled copy when
// path is empty or unreadable. A malformed file degrades to whatever rows
// parsed before the error; lookups on an empty catalog return "".
func Load(path string, log *logging.Logger) *Catalog {
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("services")

	var r io.Reader
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			log.Warn("service registry not readable, using bundled copy", "path", path, "error", err)
		} else {
			defer f.Close()
			r = f
		}
	}
	if r == nil {
		data, err := bundled.ReadFile("data/service-names-port-numbers.csv")
		if err != nil {
			log.Error("bundled service registry missing", "error", err)
			return &Catalog{names: map[key]string{}, descs: map[key]string{}}
		}
		r = bytes.NewReader(data)
	}

	c := parse(r, log)
	log.Info("service registry loaded", "entries", len(c.names))
	return c
}

func parse(r io.Reader, log *logging.Logger) *Catalog {
	c := &Catalog{
		names: make(map[key]string),
		descs: make(map[key]string),
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		log.Warn("service registry has no header row", "error", err)
		return c
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn("service registry truncated", "entries", len(c.names), "error", err)
			break
		}

		name := field(row, "Service Name")
		desc := field(row, "Description")
		portStr := field(row, "Port Number")
		proto := strings.ToLower(field(row, "Transport Protocol"))
		ref := field(row, "Reference")

		if (name == "" && desc == "") || portStr == "" {
			continue
		}

		// Port ranges like "80-90" use the first port.
		if i := strings.IndexByte(portStr, '-'); i >= 0 {
			portStr = portStr[:i]
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}

		switch proto {
		case "tcp", "udp", "sctp", "dccp":
		default:
			continue
		}

		k := key{port, proto}
		short := name
		if short == "" {
			short = desc
		}
		long := desc
		if long == "" {
			long = name
		}

		// Prefer RFC-standardised entries over non-standard ones.
		if _, exists := c.names[k]; !exists || strings.Contains(strings.ToUpper(ref), "RFC") {
			c.names[k] = short
			if long != short {
				c.descs[k] = long
			}
		}
	}

	return c
}

// Name returns the display service name for (port, protocol), or "".
// Protocol matching is case-insensitive; an empty protocol means tcp.
func (c *Catalog) Name(port int, protocol string) string {
	if port <= 0 {
		return ""
	}
	name := c.names[key{port, normalizeProto(protocol)}]
	if name == "" {
		return ""
	}
	if display, ok := displayOverrides[name]; ok {
		return display
	}
	return name
}

// Description returns the longer registry description when it differs from
// the short name, or "".
func (c *Catalog) Description(port int, protocol string) string {
	if port <= 0 {
		return ""
	}
	return c.descs[key{port, normalizeProto(protocol)}]
}

// Len reports the number of loaded name mappings.
func (c *Catalog) Len() int {
	return len(c.names)
}

func normalizeProto(protocol string) string {
	if protocol == "" {
		return "tcp"
	}
	return strings.ToLower(protocol)
}
