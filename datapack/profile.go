package datapack

import (
	"encoding/xml"
	"fmt"
)

// Connection profile rendered into every package, in the preference
// document format mesh clients import.

type profileEntry struct {
	XMLName xml.Name `xml:"entry"`
	Key     string   `xml:"key,attr"`
	Class   string   `xml:"class,attr"`
	Value   string   `xml:",chardata"`
}

type profilePreference struct {
	XMLName xml.Name `xml:"preference"`
	Version int      `xml:"version,attr"`
	Name    string   `xml:"name,attr"`
	Entries []profileEntry
}

type profileDocument struct {
	XMLName     xml.Name `xml:"preferences"`
	Preferences []profilePreference
}

const (
	classString  = "class java.lang.String"
	classBoolean = "class java.lang.Boolean"
	classInteger = "class java.lang.Integer"
)

// renderProfile produces the connection.profile entry: mesh server
// endpoint, stream description, and the truststore reference.
func renderProfile(host string, port int, protocol, description string) ([]byte, error) {
	doc := profileDocument{
		Preferences: []profilePreference{
			{
				Version: 1,
				Name:    "cot_streams",
				Entries: []profileEntry{
					{Key: "count", Class: classInteger, Value: "1"},
					{Key: "description0", Class: classString, Value: description},
					{Key: "enabled0", Class: classBoolean, Value: "true"},
					{Key: "connectString0", Class: classString, Value: fmt.Sprintf("%s:%d:%s", host, port, protocol)},
				},
			},
			{
				Version: 1,
				Name:    "com.atakmap.app_preferences",
				Entries: []profileEntry{
					{Key: "caLocation", Class: classString, Value: EntryTruststore},
					{Key: "certificateLocation", Class: classString, Value: EntryClientCert},
				},
			},
		},
	}

	buf, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render connection profile: %w", err)
	}
	return append([]byte(xml.Header), buf...), nil
}
