// Package classify maps a message to an importance category.
package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/joshsymonds/inboxpilot/internal/gmail"
)

// Category is the importance bucket of a message.
type Category string

const (
	VIP        Category = "vip"
	Promo      Category = "promo"
	Newsletter Category = "newsletter"
	Other      Category = "other"
)

// Classifier holds the VIP address set. The set is fixed until Reload is
// called; classification never reads configuration on its own.
type Classifier struct {
	mu  sync.RWMutex
	vip map[string]struct{}
}

// New returns a Classifier for the given VIP addresses.
func New(vipAddresses []string) *Classifier {
	c := &Classifier{}
	c.Reload(vipAddresses)
	return c
}

// Reload replaces the VIP set.
func (c *Classifier) Reload(vipAddresses []string) {
	set := make(map[string]struct{}, len(vipAddresses))
	for _, a := range vipAddresses {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		set[strings.ToLower(a)] = struct{}{}
	}
	c.mu.Lock()
	c.vip = set
	c.mu.Unlock()
}

// Classify returns the first matching category in the order
// vip, promo, newsletter, other.
func (c *Classifier) Classify(m gmail.Message) Category {
	if c.isVIP(m) || m.HasLabel(gmail.LabelStarred, gmail.LabelStarredIMAP) {
		return VIP
	}
	if m.HasLabel(gmail.LabelPromotions) {
		return Promo
	}
	if _, ok := m.Header("List-Id"); ok {
		return Newsletter
	}
	return Other
}

func (c *Classifier) isVIP(m gmail.Message) bool {
	from, ok := m.Header("From")
	if !ok {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.vip) == 0 {
		return false
	}
	if _, ok := c.vip[strings.ToLower(strings.TrimSpace(from))]; ok {
		return true
	}
	_, ok = c.vip[m.SenderAddress()]
	return ok
}

// LoadVIPFile reads a JSON array of addresses. A missing file yields an empty list.
func LoadVIPFile(path string) ([]string, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator config
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vip file: %w", err)
	}
	var addrs []string
	if err := json.Unmarshal(data, &addrs); err != nil {
		return nil, fmt.Errorf("decode vip file %s: %w", path, err)
	}
	return addrs, nil
}
