/**
 * @description
 * This package loads the product catalog the wizards validate against: banks,
 * plan and investment minimums, gift card denominations and biller lists.
 * An embedded default is used unless CATALOG_PATH points at another YAML file.
 *
 * @dependencies
 * - gopkg.in/yaml.v3: catalog decoding.
 */
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/valarpay/wizard-service/internal/money"
)

//go:embed default.yaml
var defaultCatalog []byte

var ErrNotFound = errors.New("catalog entry not found")

// Bill categories served by the bill payment flows.
const (
	CategoryEducation   = "education"
	CategoryBetting     = "betting"
	CategoryElectricity = "electricity"
	CategoryCable       = "cable"
)

type Bank struct {
	Code string `yaml:"code" json:"code"`
	Name string `yaml:"name" json:"name"`
}

type Limits struct {
	Minimum int64 `yaml:"minimum" json:"minimum"`
	Maximum int64 `yaml:"maximum" json:"maximum,omitempty"`
}

type FixedDepositPlan struct {
	ID          string  `yaml:"id" json:"id"`
	Name        string  `yaml:"name" json:"name"`
	TenorDays   int     `yaml:"tenorDays" json:"tenorDays"`
	RatePercent float64 `yaml:"ratePercent" json:"ratePercent"`
	Minimum     int64   `yaml:"minimum" json:"minimum"`
}

type InvestmentProduct struct {
	ID          string  `yaml:"id" json:"id"`
	Name        string  `yaml:"name" json:"name"`
	RatePercent float64 `yaml:"ratePercent" json:"ratePercent"`
	Minimum     int64   `yaml:"minimum" json:"minimum"`
	Maximum     int64   `yaml:"maximum" json:"maximum,omitempty"`
}

type GiftCard struct {
	ID            string  `yaml:"id" json:"id"`
	Name          string  `yaml:"name" json:"name"`
	Denominations []int64 `yaml:"denominations" json:"denominations"`
}

type BillerItem struct {
	Code   string `yaml:"code" json:"code"`
	Name   string `yaml:"name" json:"name"`
	Amount int64  `yaml:"amount" json:"amount,omitempty"`
}

type Biller struct {
	ID            string       `yaml:"id" json:"id"`
	Name          string       `yaml:"name" json:"name"`
	CustomerLabel string       `yaml:"customerLabel" json:"customerLabel"`
	Minimum       int64        `yaml:"minimum" json:"minimum,omitempty"`
	Items         []BillerItem `yaml:"items" json:"items,omitempty"`
}

// Catalog is immutable after Load.
type Catalog struct {
	Banks              []Bank              `yaml:"banks" json:"banks"`
	Transfer           Limits              `yaml:"transfer" json:"transfer"`
	FixedDepositPlans  []FixedDepositPlan  `yaml:"fixedDepositPlans" json:"fixedDepositPlans"`
	InvestmentProducts []InvestmentProduct `yaml:"investmentProducts" json:"investmentProducts"`
	GiftCards          []GiftCard          `yaml:"giftCards" json:"giftCards"`
	Billers            map[string][]Biller `yaml:"billers" json:"billers"`
	BreakReasons       []string            `yaml:"breakReasons" json:"breakReasons"`
	CardActions        []string            `yaml:"cardActions" json:"cardActions"`
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if p := strings.TrimSpace(path); p != "" {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
		data = raw
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

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Banks) == 0 {
		return errors.New("catalog: at least one bank is required")
	}
	seen := map[string]bool{}
	for _, p := range c.FixedDepositPlans {
		if p.ID == "" || seen["fd:"+p.ID] {
			return fmt.Errorf("catalog: invalid or duplicate plan id %q", p.ID)
		}
		seen["fd:"+p.ID] = true
	}
	for _, p := range c.InvestmentProducts {
		if p.ID == "" || seen["inv:"+p.ID] {
			return fmt.Errorf("catalog: invalid or duplicate investment id %q", p.ID)
		}
		if p.Maximum > 0 && p.Maximum < p.Minimum {
			return fmt.Errorf("catalog: investment %q maximum below minimum", p.ID)
		}
		seen["inv:"+p.ID] = true
	}
	for _, g := range c.GiftCards {
		if g.ID == "" || len(g.Denominations) == 0 {
			return fmt.Errorf("catalog: gift card %q needs denominations", g.ID)
		}
	}
	for category, billers := range c.Billers {
		for _, b := range billers {
			if b.ID == "" {
				return fmt.Errorf("catalog: %s biller without id", category)
			}
		}
	}
	return nil
}

func (c *Catalog) BankName(code string) (string, bool) {
	for _, b := range c.Banks {
		if b.Code == code {
			return b.Name, true
		}
	}
	return "", false
}

func (c *Catalog) BankCodes() []string {
	out := make([]string, 0, len(c.Banks))
	for _, b := range c.Banks {
		out = append(out, b.Code)
	}
	return out
}

func (c *Catalog) Plan(id string) (FixedDepositPlan, error) {
	for _, p := range c.FixedDepositPlans {
		if p.ID == id {
			return p, nil
		}
	}
	return FixedDepositPlan{}, fmt.Errorf("%w: plan %s", ErrNotFound, id)
}

func (c *Catalog) PlanIDs() []string {
	out := make([]string, 0, len(c.FixedDepositPlans))
	for _, p := range c.FixedDepositPlans {
		out = append(out, p.ID)
	}
	return out
}

func (c *Catalog) Product(id string) (InvestmentProduct, error) {
	for _, p := range c.InvestmentProducts {
		if p.ID == id {
			return p, nil
		}
	}
	return InvestmentProduct{}, fmt.Errorf("%w: investment %s", ErrNotFound, id)
}

func (c *Catalog) ProductIDs() []string {
	out := make([]string, 0, len(c.InvestmentProducts))
	for _, p := range c.InvestmentProducts {
		out = append(out, p.ID)
	}
	return out
}

func (c *Catalog) GiftCard(id string) (GiftCard, error) {
	for _, g := range c.GiftCards {
		if g.ID == id {
			return g, nil
		}
	}
	return GiftCard{}, fmt.Errorf("%w: gift card %s", ErrNotFound, id)
}

func (c *Catalog) GiftCardIDs() []string {
	out := make([]string, 0, len(c.GiftCards))
	for _, g := range c.GiftCards {
		out = append(out, g.ID)
	}
	return out
}

// DenominationOptions lists a gift card's denominations as raw amount strings.
func (g GiftCard) DenominationOptions() []string {
	out := make([]string, 0, len(g.Denominations))
	for _, d := range g.Denominations {
		out = append(out, strconv.FormatInt(d, 10))
	}
	return out
}

func (c *Catalog) BillersIn(category string) []Biller {
	return c.Billers[category]
}

func (c *Catalog) Biller(category, id string) (Biller, error) {
	for _, b := range c.Billers[category] {
		if b.ID == id {
			return b, nil
		}
	}
	return Biller{}, fmt.Errorf("%w: %s biller %s", ErrNotFound, category, id)
}

func (c *Catalog) BillerIDs(category string) []string {
	billers := c.Billers[category]
	out := make([]string, 0, len(billers))
	for _, b := range billers {
		out = append(out, b.ID)
	}
	return out
}

func (b Biller) Item(code string) (BillerItem, bool) {
	for _, it := range b.Items {
		if it.Code == code {
			return it, true
		}
	}
	return BillerItem{}, false
}

func (b Biller) ItemCodes() []string {
	out := make([]string, 0, len(b.Items))
	for _, it := range b.Items {
		out = append(out, it.Code)
	}
	return out
}

// Naira converts a catalog whole-naira value to an Amount.
func Naira(v int64) money.Amount { return money.FromInt(v) }
