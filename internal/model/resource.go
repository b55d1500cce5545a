package model

import (
	"fmt"
	"strings"
)

// ResourceKind is the prefix of a resource id.
type ResourceKind string

const (
	ResourceChannel ResourceKind = "channel"
	ResourceDM      ResourceKind = "dm"
	ResourceUser    ResourceKind = "user"
	ResourceServer  ResourceKind = "server"
)

func (k ResourceKind) IsValid() bool {
	switch k {
	case ResourceChannel, ResourceDM, ResourceUser, ResourceServer:
		return true
	}
	return false
}

// Resource builds a resource id such as "channel:42".
func Resource(kind ResourceKind, id string) string {
	return string(kind) + ":" + id
}

func ChannelResource(id string) string { return Resource(ResourceChannel, id) }
func DMResource(id string) string      { return Resource(ResourceDM, id) }
func UserResource(id string) string    { return Resource(ResourceUser, id) }
func ServerResource(id string) string  { return Resource(ResourceServer, id) }

// ParseResource splits a resource id into its kind and local id.
func ParseResource(r string) (ResourceKind, string, error) {
	kind, id, ok := strings.Cut(r, ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("invalid resource id %q", r)
	}
	k := ResourceKind(kind)
	if !k.IsValid() {
		return "", "", fmt.Errorf("invalid resource kind %q", kind)
	}
	if strings.ContainsAny(id, " \t\r\n") {
		return "", "", fmt.Errorf("invalid resource id %q", r)
	}
	return k, id, nil
}

// ValidResource reports whether r parses as a resource id.
func ValidResource(r string) bool {
	_, _, err := ParseResource(r)
	return err == nil
}
