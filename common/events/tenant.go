// Package events defines the messages exchanged between the tenant
// registration service and the provisioning worker.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// TenantCreatedQueue is the durable queue carrying TenantCreatedEvent messages.
const TenantCreatedQueue = "tenant-created-queue"

// ErrMalformedEvent is returned when a message body cannot be turned into an event.
var ErrMalformedEvent = errors.New("malformed tenant created event")

// ContactType classifies a tenant contact.
type ContactType int

const (
	ContactPrimary   ContactType = 1
	ContactBilling   ContactType = 2
	ContactTechnical ContactType = 3
)

// TenantContact is a contact record attached to a new tenant. The worker
// decodes but never uses it.
type TenantContact struct {
	Email         string      `json:"email"`
	FirstName     string      `json:"firstName"`
	LastName      string      `json:"lastName"`
	PhoneNumber   string      `json:"phoneNumber,omitempty"`
	Title         string      `json:"title,omitempty"`
	ContactType   ContactType `json:"contactType"`
	StreetAddress string      `json:"streetAddress"`
	City          string      `json:"city"`
	State         string      `json:"state"`
	ZipCode       string      `json:"zipCode"`
}

// TenantCreatedEvent is published once per created tenant and triggers
// provisioning of the tenant's database.
type TenantCreatedEvent struct {
	TenantID   uuid.UUID       `json:"tenantId"`
	TenantSlug string          `json:"tenantSlug"`
	Contacts   []TenantContact `json:"contacts,omitempty"`
}

// slugPattern matches names the container runtime accepts for "{slug}-db".
var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// DecodeTenantCreated parses a message body. Field names match
// case-insensitively, so PascalCase publishers are accepted.
func DecodeTenantCreated(body []byte) (TenantCreatedEvent, error) {
	var evt TenantCreatedEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return TenantCreatedEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.TenantSlug == "" {
		return TenantCreatedEvent{}, fmt.Errorf("%w: missing tenantSlug", ErrMalformedEvent)
	}
	if !slugPattern.MatchString(evt.TenantSlug) {
		return TenantCreatedEvent{}, fmt.Errorf("%w: tenantSlug %q is not a valid resource name", ErrMalformedEvent, evt.TenantSlug)
	}
	return evt, nil
}

// Slug derives the stable tenant identifier from an organization name:
// lower-cased with every whitespace character removed. Consumers treat the
// result as opaque and never recompute it.
func Slug(organizationName string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, strings.ToLower(organizationName))
}
