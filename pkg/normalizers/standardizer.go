package normalizers

import (
	"strings"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Normalizer chains applied to each raw field, by registry name.
var (
	nameChain     = []string{"nname", "collapse_whitespace"}
	emailChain    = []string{"nemail"}
	phoneChain    = []string{"nphone"}
	addressChain  = []string{"collapse_whitespace", "naddress"}
	localityChain = []string{"collapse_whitespace", "nlocality"}
)

// Standardize derives the clean comparison fields of a raw record.
// It is pure and idempotent; missing inputs produce empty clean fields.
func Standardize(raw models.RawRecord) models.StandardizedRecord {
	name := raw.FullName
	if strings.TrimSpace(name) == "" {
		name = strings.TrimSpace(raw.FirstName + " " + raw.LastName)
	}

	return models.StandardizedRecord{
		RawRecord:      raw,
		FullNameClean:  ApplyChain(name, nameChain...),
		FirstNameClean: ApplyChain(raw.FirstName, nameChain...),
		LastNameClean:  ApplyChain(raw.LastName, nameChain...),
		EmailClean:     ApplyChain(raw.Email, emailChain...),
		PhoneClean:     ApplyChain(raw.Phone, phoneChain...),
		AddressClean:   ApplyChain(raw.Address, addressChain...),
		CityClean:      ApplyChain(raw.City, localityChain...),
		StateClean:     ApplyChain(raw.State, localityChain...),
		CompanyClean:   ApplyChain(raw.Company, localityChain...),
	}
}
