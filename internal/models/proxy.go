package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Proxy protocols
const (
	ProxyProtocolHTTP   = "http"
	ProxyProtocolSOCKS5 = "socks5"
)

// Proxy status constants
const (
	ProxyStatusActive   = "active"
	ProxyStatusInactive = "inactive"
	ProxyStatusError    = "error"
	ProxyStatusRotating = "rotating"
)

// Proxy is one provisioned credential row, one per protocol per order.
// The password is stored encrypted; only the order owner sees it decrypted.
type Proxy struct {
	ID           uuid.UUID
	OrderID      uuid.UUID
	ConnectionID string
	Protocol     string
	Host         string
	Port         int
	Username     string
	PasswordEnc  string
	Status       string
	RotationMode string
	ExpiresAt    *time.Time
	CreatedAt    time.Time
}

// AccessString formats the combined credential in host:port:user:password
// form, using the already-decrypted password.
func (p *Proxy) AccessString(password string) string {
	return fmt.Sprintf("%s:%d:%s:%s", p.Host, p.Port, p.Username, password)
}
