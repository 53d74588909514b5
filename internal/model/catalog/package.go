package catalog

// TokenPackage is an immutable catalog entry the user can buy.
type TokenPackage struct {
	ID     string  `json:"id" yaml:"id"`
	Name   string  `json:"name,omitempty" yaml:"name"`
	Tokens int     `json:"tokens" yaml:"tokens"`
	Price  float64 `json:"price" yaml:"price"`
}

// Valid reports whether the package can be offered for sale.
func (p TokenPackage) Valid() bool {
	return p.ID != "" && p.Tokens > 0 && p.Price > 0
}

// Seed provides the default packages used when no catalog file is configured.
func Seed() []TokenPackage {
	return []TokenPackage{
		{ID: "starter", Name: "Starter", Tokens: 10, Price: 0.99},
		{ID: "fan", Name: "Fan", Tokens: 50, Price: 3.99},
		{ID: "otaku", Name: "Otaku", Tokens: 150, Price: 9.99},
		{ID: "binge", Name: "Binge", Tokens: 1000, Price: 49.99},
	}
}
