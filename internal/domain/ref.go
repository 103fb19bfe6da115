package domain

import "fmt"

// Reference kinds known to the core. Callers may use others; the catalog registry
// decides which kinds can be priced.
const (
	RefUser        = "user"         // Purchaser / wallet owner supplied by the auth layer
	RefPlan        = "plan"         // Catalog plan, optionally backed by coded inventory
	RefWalletTopUp = "wallet_topup" // Open-priced balance deposit
)

// Ref is a polymorphic pointer to an entity owned by another subsystem.
type Ref struct {
	Type string `json:"type"` // Entity kind, e.g. "user"
	ID   uint   `json:"id"`   // Entity primary key
}

// NewRef builds a Ref.
func NewRef(kind string, id uint) Ref {
	return Ref{Type: kind, ID: id}
}

// Valid reports whether both the kind and id are set.
func (r Ref) Valid() bool {
	return r.Type != "" && r.ID != 0
}

// Less orders refs by kind then id. Used to take row locks in a stable order.
func (r Ref) Less(o Ref) bool {
	if r.Type != o.Type {
		return r.Type < o.Type
	}
	return r.ID < o.ID
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%d", r.Type, r.ID)
}
