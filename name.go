package foldercast

import (
	"fmt"
	"strings"
)

// a node identity, optionally scoped to a profile on that node.
// the string form is "node" or "node/profile".
type Name struct {
	Node    string
	Profile string
}

func NewName(node string) Name {
	return Name{Node: node}
}

func NewNameWithProfile(node string, profile string) Name {
	return Name{Node: node, Profile: profile}
}

func ParseName(nameStr string) (Name, error) {
	if nameStr == "" {
		return Name{}, fmt.Errorf("%w: empty name", ErrInvalidRequest)
	}
	parts := strings.SplitN(nameStr, "/", 2)
	name := Name{Node: parts[0]}
	if name.Node == "" {
		return Name{}, fmt.Errorf("%w: empty node in name %q", ErrInvalidRequest, nameStr)
	}
	if len(parts) == 2 {
		if parts[1] == "" {
			return Name{}, fmt.Errorf("%w: empty profile in name %q", ErrInvalidRequest, nameStr)
		}
		name.Profile = parts[1]
	}
	return name, nil
}

// drops the profile
func (self Name) NodeName() Name {
	return Name{Node: self.Node}
}

func (self Name) WithProfile(profile string) Name {
	return Name{Node: self.Node, Profile: profile}
}

func (self Name) HasProfile() bool {
	return self.Profile != ""
}

func (self Name) String() string {
	if self.Profile == "" {
		return self.Node
	}
	return fmt.Sprintf("%s/%s", self.Node, self.Profile)
}
