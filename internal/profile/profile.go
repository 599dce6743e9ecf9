package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Profile describes the restaurant a session takes orders for.
type Profile struct {
	Name            string `yaml:"name" json:"name"`
	Address         string `yaml:"address" json:"address"`
	DiscoveryModeOn bool   `yaml:"discoveryModeOn" json:"discoveryModeOn"`
	MenuText        string `yaml:"menuText" json:"menuText"`
}

// Default is used when no profile file is configured.
var Default = Profile{
	Name:    "Sample Grill",
	Address: "1 Market Street",
	MenuText: strings.Join([]string{
		"Beef Shawarma - 12.99",
		"Chicken Shawarma - 11.49",
		"Falafel Wrap - 9.99",
		"Fries - 3.99",
		"Mint Lemonade - 4.50",
	}, "\n"),
}

// Load reads a profile from a .yaml, .yml or .json file.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &p)
	case ".json":
		err = json.Unmarshal(data, &p)
	default:
		return Profile{}, fmt.Errorf("unsupported profile extension: %s", filepath.Ext(path))
	}
	if err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if strings.TrimSpace(p.Name) == "" {
		return Profile{}, fmt.Errorf("profile %s has no name", path)
	}
	return p, nil
}

var instructions = template.Must(template.New("instructions").Parse(
	`You are the voice ordering assistant for {{.Name}}{{if .Address}}, located at {{.Address}}{{end}}.
Speak briefly and warmly. Only offer items from the menu below and quote their prices exactly.
{{if .DiscoveryModeOn}}Help the caller explore the menu. You cannot place orders in this conversation.
{{else}}Confirm every item and quantity with the caller, then call initiate_order with the confirmed items and their unit prices.
{{end}}
Menu:
{{.MenuText}}
`))

// Instructions renders the agent instructions for p. The session treats the
// result as opaque text.
func (p Profile) Instructions() string {
	var b strings.Builder
	if err := instructions.Execute(&b, p); err != nil {
		return fmt.Sprintf("You are the voice ordering assistant for %s.", p.Name)
	}
	return b.String()
}

// AssistantMode is the tool table mode the profile asks for.
func (p Profile) AssistantMode() string {
	if p.DiscoveryModeOn {
		return "discovery"
	}
	return "standard"
}
