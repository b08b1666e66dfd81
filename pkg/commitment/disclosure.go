package commitment

import (
	"fmt"

	"github.com/shrxyeh/Medichain/pkg/abac"
)

// Disclosure partitions a subject's attributes into revealed values and
// commitments. Salts stay with the prover and are never serialized.
type Disclosure struct {
	Disclosed   map[string]string `json:"disclosed"`
	Commitments map[string]string `json:"commitments"`
	Salts       map[string]string `json:"-"`
}

// CreateSelectiveDisclosure reveals the attributes named in reveal and
// commits to the rest, each under a fresh salt.
func (s *Service) CreateSelectiveDisclosure(attributes map[string]string, reveal []string) (*Disclosure, error) {
	if attributes == nil {
		return nil, abac.NewInputError("attributes", "attributes are required")
	}
	revealSet := make(map[string]bool, len(reveal))
	for _, name := range reveal {
		if _, ok := attributes[name]; !ok {
			return nil, abac.NewInputError("reveal", fmt.Sprintf("cannot reveal unknown attribute %q", name))
		}
		revealSet[name] = true
	}

	d := &Disclosure{
		Disclosed:   make(map[string]string, len(revealSet)),
		Commitments: make(map[string]string, len(attributes)-len(revealSet)),
		Salts:       make(map[string]string, len(attributes)-len(revealSet)),
	}
	for _, name := range sortedKeys(attributes) {
		value := attributes[name]
		if revealSet[name] {
			d.Disclosed[name] = value
			continue
		}
		c, err := s.CreateCommitment(attributeValue(name, value), "")
		if err != nil {
			return nil, fmt.Errorf("commit attribute %s: %w", name, err)
		}
		d.Commitments[name] = c.Digest
		d.Salts[name] = c.Salt
	}
	return d, nil
}

// VerifyDisclosedAttribute opens one committed attribute of a disclosure
// with the value and salt the prover later reveals.
func (s *Service) VerifyDisclosedAttribute(commitments map[string]string, name, value, salt string) (bool, error) {
	digest, ok := commitments[name]
	if !ok {
		return false, abac.NewInputError("name", fmt.Sprintf("no commitment for attribute %q", name))
	}
	return s.VerifyCommitment(attributeValue(name, value), salt, digest)
}
