// Package plugins ships the builtin plugin descriptors.
//
// Each descriptor bundles the identification rules for a phone family, a
// template-driven renderer, and the file map the phones request over TFTP
// and HTTP. Real deployments install these at startup; additional plugins
// can be registered through the management API at runtime.
package plugins

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/provlab/phone-provisioning-backend/interfaces"
)

// Builtins returns the descriptors compiled into the daemon, in the order
// they should be installed. Order matters: identification rules are
// evaluated in registry insertion order.
func Builtins() []interfaces.PluginDescriptor {
	return []interfaces.PluginDescriptor{
		ZentelV2(),
		PolarisSIP(),
	}
}

// configView is the data handed to renderer templates.
type configView struct {
	Device interfaces.Device
	Values interfaces.RawConfig
}

// Line is one SIP line entry, keyed by its position on the phone.
type Line struct {
	Position string
	Number   string
	AuthName string
	Password string
}

// Lines flattens the sip_lines mapping into position order.
func (v configView) Lines() []Line {
	raw, ok := v.Values["sip_lines"].(map[string]any)
	if !ok {
		return nil
	}
	positions := make([]string, 0, len(raw))
	for pos := range raw {
		positions = append(positions, pos)
	}
	sort.Strings(positions)

	lines := make([]Line, 0, len(positions))
	for _, pos := range positions {
		entry, ok := raw[pos].(map[string]any)
		if !ok {
			continue
		}
		lines = append(lines, Line{
			Position: pos,
			Number:   stringValue(entry["number"]),
			AuthName: stringValue(entry["auth_username"]),
			Password: stringValue(entry["password"]),
		})
	}
	return lines
}

// Bool reads a top-level boolean key, absent meaning false.
func (v configView) Bool(key string) bool {
	b, _ := v.Values[key].(bool)
	return b
}

// String reads a top-level key as a string, absent meaning empty.
func (v configView) String(key string) string {
	return stringValue(v.Values[key])
}

// BareMAC returns the device MAC without separators, the form most phones
// use in requested file names.
func (v configView) BareMAC() string {
	return strings.ReplaceAll(v.Device.Identity.MAC, ":", "")
}

func stringValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

// templateRenderer wraps a parsed template as a RenderFunc.
func templateRenderer(tmpl *template.Template) interfaces.RenderFunc {
	return func(device interfaces.Device, cfg interfaces.EffectiveConfig) ([]byte, error) {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, configView{Device: device, Values: cfg.Values}); err != nil {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrRenderFailed, err)
		}
		return buf.Bytes(), nil
	}
}

var zentelTemplate = template.Must(template.New("zentel-cfg").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<device mac="{{.Device.Identity.MAC}}">
  <network>
    <ntp enabled="{{.Bool "ntp_enabled"}}" server="{{.String "ntp_server"}}"/>
  </network>
  <sip registrar="{{.String "sip_registrar"}}">
{{- range .Lines}}
    <line position="{{.Position}}" number="{{.Number}}" auth="{{.AuthName}}"/>
{{- end}}
  </sip>
</device>
`))

var zentelBareMAC = regexp.MustCompile(`^zentel-([0-9a-f]{12})\.xml$`)

// ZentelV2 serves Zentel desk phones. The phones request
// zentel-<mac>.xml after fetching the static bootstrap file.
func ZentelV2() interfaces.PluginDescriptor {
	render := templateRenderer(zentelTemplate)
	bootstrap := []byte("[bootstrap]\nconfig = zentel-{mac}.xml\n")

	return interfaces.PluginDescriptor{
		ID:      "zentel-v2",
		Version: "2.4.1",
		Rules: []interfaces.IdentRule{
			{VendorPrefix: "Zentel"},
			{PathPattern: regexp.MustCompile(`^zentel-[0-9a-f]{12}\.xml$`)},
		},
		Renderer: render,
		Files: func(path string, device interfaces.Device) (interfaces.ServedFile, bool) {
			path = strings.TrimPrefix(path, "/")
			if path == "zentel-bootstrap.cfg" {
				return interfaces.ServedFile{
					Name:        "zentel-bootstrap.cfg",
					ContentType: "text/plain",
					Static:      bootstrap,
				}, true
			}
			if zentelBareMAC.MatchString(path) {
				return interfaces.ServedFile{
					Name:        path,
					ContentType: "text/xml",
					Render:      render,
				}, true
			}
			return interfaces.ServedFile{}, false
		},
	}
}

var polarisTemplate = template.Must(template.New("polaris-cfg").Parse(`#!version:1.0.0.1
account.register = {{if .Lines}}1{{else}}0{{end}}
{{- range .Lines}}
account.{{.Position}}.number = {{.Number}}
account.{{.Position}}.auth_name = {{.AuthName}}
account.{{.Position}}.password = {{.Password}}
{{- end}}
network.ntp.enable = {{if .Bool "ntp_enabled"}}1{{else}}0{{end}}
network.ntp.server = {{.String "ntp_server"}}
sip.registrar = {{.String "sip_registrar"}}
`))

var polarisBareMAC = regexp.MustCompile(`^([0-9a-f]{12})\.cfg$`)

// PolarisSIP serves Polaris SIP phones, which request <mac>.cfg directly.
func PolarisSIP() interfaces.PluginDescriptor {
	render := templateRenderer(polarisTemplate)

	return interfaces.PluginDescriptor{
		ID:      "polaris-sip",
		Version: "1.9.0",
		Rules: []interfaces.IdentRule{
			{VendorPrefix: "Polaris"},
			{MACPrefix: "48:1f:7a"},
			{PathPattern: regexp.MustCompile(`^[0-9a-f]{12}\.cfg$`)},
		},
		Renderer: render,
		Files: func(path string, device interfaces.Device) (interfaces.ServedFile, bool) {
			path = strings.TrimPrefix(path, "/")
			if polarisBareMAC.MatchString(path) {
				return interfaces.ServedFile{
					Name:        path,
					ContentType: "text/plain",
					Render:      render,
				}, true
			}
			return interfaces.ServedFile{}, false
		},
	}
}
