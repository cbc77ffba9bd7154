package domain

// InstrumentKind distinguishes tradable stocks from index series.
type InstrumentKind string

const (
	KindStock InstrumentKind = "stock"
	KindIndex InstrumentKind = "index"
)

// Instrument describes one member of the configured extraction universe.
// Database identity (the surrogate id) is assigned by the persistence layer
// on first encounter; this type carries only what configuration knows.
type Instrument struct {
	Symbol   string         `json:"symbol" yaml:"symbol"`
	Kind     InstrumentKind `json:"kind" yaml:"kind"`
	Exchange string         `json:"exchange" yaml:"exchange"`
	Currency string         `json:"currency" yaml:"currency"`
}

// Exchange is immutable reference data about a trading venue.
type Exchange struct {
	Code     string `json:"code" yaml:"code"`
	Name     string `json:"name" yaml:"name"`
	Timezone string `json:"timezone" yaml:"timezone"`
	OpensAt  string `json:"opens_at" yaml:"opens_at"`
	ClosesAt string `json:"closes_at" yaml:"closes_at"`
}

// Environment selects the logical schema a run writes into. Schema names
// are derived from this enum only, never from user input.
type Environment string

const (
	EnvDev  Environment = "dev"
	EnvTest Environment = "test"
	EnvProd Environment = "prod"
)

// Valid reports whether e is one of the three known environments.
func (e Environment) Valid() bool {
	switch e {
	case EnvDev, EnvTest, EnvProd:
		return true
	}
	return false
}

// Schema returns the PostgreSQL schema owned by this environment.
func (e Environment) Schema() string {
	return string(e) + "_marketdata"
}
