package connmgr

import (
	"net/url"
	"sort"

	"github.com/pkg/errors"
)

const (
	APIVersion1 = "1.0"
	APIVersion2 = "2.0"
)

// ErrNotConnected is returned when a command is sent while the manager is
// not connected.  The queue retries it like any other failure.
var ErrNotConnected = errors.New("not connected to tuya cloud")

// CommandItem is one data point of a v1.0 command
type CommandItem struct {
	Code  string      `json:"code"`
	Value interface{} `json:"value"`
}

// SendOptions select how a command is sent
type SendOptions struct {
	// APIVersion is "1.0" (default) or "2.0"
	APIVersion string
}

// CommandURL is the endpoint for a device command
func CommandURL(apiVersion, deviceID string) (string, error) {
	id := url.PathEscape(deviceID)

	switch apiVersion {
	case APIVersion1, "":
		return "/v1.0/devices/" + id + "/commands", nil
	case APIVersion2:
		return "/v2.0/cloud/thing/" + id + "/shadow/properties/issue", nil
	}

	return "", errors.Errorf("unsupported api version %q", apiVersion)
}

// FormatBody builds the request body for a command.  v2.0 sends the
// command as the properties object.  v1.0 sends a commands array and
// accepts one {code,value} item, a list of them, or a flat code/value map
// (in key order).
func FormatBody(apiVersion string, command interface{}) (interface{}, error) {
	switch apiVersion {
	case APIVersion2:
		if command == nil {
			return nil, errors.New("empty properties")
		}
		return map[string]interface{}{"properties": command}, nil

	case APIVersion1, "":
		items, err := commandItems(command)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, errors.New("no commands")
		}
		return map[string]interface{}{"commands": items}, nil
	}

	return nil, errors.Errorf("unsupported api version %q", apiVersion)
}

func commandItems(command interface{}) ([]CommandItem, error) {
	switch c := command.(type) {
	case CommandItem:
		return []CommandItem{c}, nil

	case []CommandItem:
		return c, nil

	case []map[string]interface{}:
		items := make([]CommandItem, 0, len(c))
		for i, m := range c {
			item, ok := asItem(m)
			if !ok {
				return nil, errors.Errorf("command %d has no code", i)
			}
			items = append(items, item)
		}
		return items, nil

	case []interface{}:
		items := make([]CommandItem, 0, len(c))
		for i, v := range c {
			m, ok := v.(map[string]interface{})
			if !ok {
				return nil, errors.Errorf("command %d is a %T, not an object", i, v)
			}
			item, ok := asItem(m)
			if !ok {
				return nil, errors.Errorf("command %d has no code", i)
			}
			items = append(items, item)
		}
		return items, nil

	case map[string]interface{}:
		if item, ok := asItem(c); ok {
			return []CommandItem{item}, nil
		}

		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		items := make([]CommandItem, 0, len(c))
		for _, k := range keys {
			items = append(items, CommandItem{Code: k, Value: c[k]})
		}
		return items, nil
	}

	return nil, errors.Errorf("unsupported command type %T", command)
}

// asItem recognises {"code": <string>, "value": ...}
func asItem(m map[string]interface{}) (CommandItem, bool) {
	code, ok := m["code"].(string)
	if !ok || code == "" {
		return CommandItem{}, false
	}

	for k := range m {
		if k != "code" && k != "value" {
			return CommandItem{}, false
		}
	}

	return CommandItem{Code: code, Value: m["value"]}, true
}
