package patient

import (
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patient table. The id is the identity provider's
// subject of the patient user.
type Patient struct {
	ID          uuid.UUID `db:"id" json:"id"`
	FirstName   string    `db:"first_name" json:"first_name"`
	LastName    string    `db:"last_name" json:"last_name"`
	Age         *int      `db:"age" json:"age,omitempty"`
	Height      *float64  `db:"height" json:"height,omitempty"`
	Weight      *float64  `db:"weight" json:"weight,omitempty"`
	PhoneNumber *string   `db:"phone_number" json:"phone_number,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
