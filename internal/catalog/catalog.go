// Package catalog holds the redeemable reward products, their provider codes and
// their coin prices. Prices are in naira and converted to coins with a per-product
// rate, always rounding up.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// Network maps a mobile network to each provider's identifier for it.
type Network struct {
	Name          string   `yaml:"-" json:"name"`
	DisplayName   string   `yaml:"display_name" json:"display_name"`
	Aliases       []string `yaml:"aliases" json:"-"`
	VTpassAirtime string   `yaml:"vtpass_airtime" json:"-"`
	VTpassData    string   `yaml:"vtpass_data" json:"-"`
	EasyAccess    string   `yaml:"easyaccess" json:"-"`
}

// DataPlan is a data bundle product.
type DataPlan struct {
	Code            string `yaml:"code" json:"code"`
	Network         string `yaml:"network" json:"network"`
	Name            string `yaml:"name" json:"name"`
	Price           int64  `yaml:"price" json:"price"`
	CoinCost        int64  `yaml:"-" json:"coin_cost"`
	VTpassVariation string `yaml:"vtpass_variation" json:"-"`
	EasyAccessPlan  string `yaml:"easyaccess_plan" json:"-"`
}

// ExamPin is an exam result-checker pin product.
type ExamPin struct {
	Type            string `yaml:"-" json:"type"`
	Name            string `yaml:"name" json:"name"`
	Price           int64  `yaml:"price" json:"price"`
	CoinCost        int64  `yaml:"-" json:"coin_cost"`
	VTpassService   string `yaml:"vtpass_service" json:"-"`
	VTpassVariation string `yaml:"vtpass_variation" json:"-"`
	EasyAccessType  string `yaml:"easyaccess_type" json:"-"`
}

type file struct {
	Airtime struct {
		CoinRate  string `yaml:"coin_rate"`
		MinAmount int64  `yaml:"min_amount"`
		MaxAmount int64  `yaml:"max_amount"`
	} `yaml:"airtime"`
	Networks map[string]Network `yaml:"networks"`
	Data     struct {
		CoinRate string     `yaml:"coin_rate"`
		Plans    []DataPlan `yaml:"plans"`
	} `yaml:"data"`
	ExamPins struct {
		CoinRate          string             `yaml:"coin_rate"`
		AllowedQuantities []int              `yaml:"allowed_quantities"`
		Types             map[string]ExamPin `yaml:"types"`
	} `yaml:"exam_pins"`
}

// Catalog is immutable after Load.
type Catalog struct {
	airtimeRate      decimal.Decimal
	airtimeMin       int64
	airtimeMax       int64
	networks         map[string]Network
	aliases          map[string]string
	dataRate         decimal.Decimal
	plans            map[string]DataPlan
	examRate         decimal.Decimal
	allowedPinCounts map[int]bool
	pins             map[string]ExamPin
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Parse(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := &Catalog{
		airtimeMin:       f.Airtime.MinAmount,
		airtimeMax:       f.Airtime.MaxAmount,
		networks:         make(map[string]Network),
		aliases:          make(map[string]string),
		plans:            make(map[string]DataPlan),
		allowedPinCounts: make(map[int]bool),
		pins:             make(map[string]ExamPin),
	}

	var err error
	if c.airtimeRate, err = parseRate("airtime", f.Airtime.CoinRate); err != nil {
		return nil, err
	}
	if c.dataRate, err = parseRate("data", f.Data.CoinRate); err != nil {
		return nil, err
	}
	if c.examRate, err = parseRate("exam_pins", f.ExamPins.CoinRate); err != nil {
		return nil, err
	}
	if c.airtimeMin <= 0 || c.airtimeMax < c.airtimeMin {
		return nil, fmt.Errorf("catalog airtime bounds invalid: min=%d max=%d", c.airtimeMin, c.airtimeMax)
	}

	for name, network := range f.Networks {
		key := normalize(name)
		network.Name = key
		c.networks[key] = network
		c.aliases[key] = key
		for _, alias := range network.Aliases {
			c.aliases[normalize(alias)] = key
		}
	}

	for _, plan := range f.Data.Plans {
		plan.Network = normalize(plan.Network)
		if _, ok := c.networks[plan.Network]; !ok {
			return nil, fmt.Errorf("catalog data plan %s references unknown network %s", plan.Code, plan.Network)
		}
		if plan.Price <= 0 {
			return nil, fmt.Errorf("catalog data plan %s has no price", plan.Code)
		}
		plan.CoinCost = coins(plan.Price, c.dataRate)
		c.plans[normalize(plan.Code)] = plan
	}

	for _, n := range f.ExamPins.AllowedQuantities {
		c.allowedPinCounts[n] = true
	}
	for name, pin := range f.ExamPins.Types {
		pin.Type = normalize(name)
		if pin.Price <= 0 {
			return nil, fmt.Errorf("catalog exam pin %s has no price", name)
		}
		pin.CoinCost = coins(pin.Price, c.examRate)
		c.pins[pin.Type] = pin
	}
	return c, nil
}

func parseRate(section, raw string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("catalog %s coin_rate %q: %w", section, raw, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("catalog %s coin_rate must be positive", section)
	}
	return rate, nil
}

// coins converts a naira price into coins, rounding up so a reward never costs
// less than its price.
func coins(naira int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(naira).Mul(rate).Ceil().IntPart()
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Network resolves a network name or alias.
func (c *Catalog) Network(name string) (Network, error) {
	key, ok := c.aliases[normalize(name)]
	if !ok {
		return Network{}, domain.NewValidationError("network", fmt.Sprintf("unsupported network %q", name))
	}
	return c.networks[key], nil
}

// Networks lists supported networks sorted by name.
func (c *Catalog) Networks() []Network {
	out := make([]Network, 0, len(c.networks))
	for _, n := range c.networks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AirtimeCoinCost validates the naira amount and returns its coin price.
func (c *Catalog) AirtimeCoinCost(naira int64) (int64, error) {
	if naira < c.airtimeMin || naira > c.airtimeMax {
		return 0, domain.NewValidationError("amount", fmt.Sprintf("airtime amount must be between %d and %d", c.airtimeMin, c.airtimeMax))
	}
	return coins(naira, c.airtimeRate), nil
}

// DataPlan returns the plan for code on network.
func (c *Catalog) DataPlan(network, code string) (DataPlan, error) {
	n, err := c.Network(network)
	if err != nil {
		return DataPlan{}, err
	}
	plan, ok := c.plans[normalize(code)]
	if !ok || plan.Network != n.Name {
		return DataPlan{}, domain.NewValidationError("planCode", fmt.Sprintf("unknown data plan %q for %s", code, n.Name))
	}
	return plan, nil
}

// DataPlans lists plans for a network, or all plans when network is empty.
func (c *Catalog) DataPlans(network string) ([]DataPlan, error) {
	var filter string
	if strings.TrimSpace(network) != "" {
		n, err := c.Network(network)
		if err != nil {
			return nil, err
		}
		filter = n.Name
	}
	out := make([]DataPlan, 0, len(c.plans))
	for _, p := range c.plans {
		if filter != "" && p.Network != filter {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Network != out[j].Network {
			return out[i].Network < out[j].Network
		}
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

// ExamPin returns the pin product for a type such as "waec".
func (c *Catalog) ExamPin(pinType string) (ExamPin, error) {
	pin, ok := c.pins[normalize(pinType)]
	if !ok {
		return ExamPin{}, domain.NewValidationError("pinType", fmt.Sprintf("unsupported exam pin type %q", pinType))
	}
	return pin, nil
}

// ExamPins lists pin products sorted by type.
func (c *Catalog) ExamPins() []ExamPin {
	out := make([]ExamPin, 0, len(c.pins))
	for _, p := range c.pins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// ExamPinCoinCost validates quantity and returns the coin price of quantity pins.
func (c *Catalog) ExamPinCoinCost(pin ExamPin, quantity int) (int64, error) {
	if !c.allowedPinCounts[quantity] {
		counts := make([]int, 0, len(c.allowedPinCounts))
		for n := range c.allowedPinCounts {
			counts = append(counts, n)
		}
		sort.Ints(counts)
		allowed := make([]string, len(counts))
		for i, n := range counts {
			allowed[i] = fmt.Sprintf("%d", n)
		}
		return 0, domain.NewValidationError("quantity", "allowed values: "+strings.Join(allowed, ", "))
	}
	return coins(pin.Price*int64(quantity), c.examRate), nil
}
