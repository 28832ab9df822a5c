// ABOUTME: Generates login credentials for customers on first contact
// ABOUTME: Usernames derive from the profile name, passwords are two words plus a number

package credentials

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// fallbackNames seed a username when the customer profile has no name.
var fallbackNames = []string{
	"victory", "fortuna", "jackpot", "luck", "winner", "prosper",
	"treasure", "glory", "chance", "champion", "blessed", "golden",
	"destiny", "success", "luckiest", "star", "miracle", "thrill",
	"power", "dream", "afortunado", "milagro", "sueño", "campeón",
	"bendecido", "emoción", "estrella", "poder", "premio", "exito",
	"prosperar", "oportunidad", "dorado", "tesoro", "victoria",
}

var passwordWords = []string{
	"luna", "sol", "mar", "rio", "nube", "viento",
	"flor", "roca", "fuego", "estrella",
}

// Generator produces usernames and passwords.
// The zero value is not usable; call NewGenerator.
type Generator struct {
	intN func(n int) int
}

// NewGenerator returns a Generator backed by the global random source.
func NewGenerator() *Generator {
	return &Generator{intN: rand.IntN}
}

// NewSeededGenerator returns a deterministic Generator, for tests.
func NewSeededGenerator(seed uint64) *Generator {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return &Generator{intN: r.IntN}
}

// Username lowercases name, strips accents and whitespace and appends a
// four-digit suffix. An empty name is replaced by a random fallback word.
func (g *Generator) Username(name string) string {
	if strings.TrimSpace(name) == "" {
		name = fallbackNames[g.intN(len(fallbackNames))]
	}
	return fmt.Sprintf("%s%d", Slug(name), 1000+g.intN(9000))
}

// Password returns two words followed by a two-digit number, e.g. "lunamar42".
func (g *Generator) Password() string {
	w1 := passwordWords[g.intN(len(passwordWords))]
	w2 := passwordWords[g.intN(len(passwordWords))]
	return fmt.Sprintf("%s%s%d", w1, w2, 10+g.intN(90))
}

// Slug lowercases s, removes diacritics and drops all whitespace.
func Slug(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		stripped = strings.ToLower(s)
	}
	return strings.Join(strings.Fields(stripped), "")
}
