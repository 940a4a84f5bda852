package problem

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"arena-service/internal/domain"
	"github.com/google/uuid"
)

var mixedPool = []domain.OperationCategory{
	domain.CategoryAddition,
	domain.CategorySubtraction,
	domain.CategoryMultiplication,
	domain.CategoryDivision,
}

// Generate builds one problem for category using rnd. It holds no state of
// its own; callers own rnd and its synchronization.
func Generate(rnd *rand.Rand, category domain.OperationCategory, now time.Time) (domain.Problem, error) {
	if !category.Valid() {
		return domain.Problem{}, fmt.Errorf("%w: %q", domain.ErrInvalidCategory, category)
	}

	op := category
	if op == domain.CategoryMixed {
		op = mixedPool[rnd.Intn(len(mixedPool))]
	}

	var a, b, answer int
	var symbol string
	switch op {
	case domain.CategoryAddition:
		a, b = between(rnd, 1, 50), between(rnd, 1, 50)
		answer, symbol = a+b, "+"
	case domain.CategorySubtraction:
		a, b = between(rnd, 1, 50), between(rnd, 1, 50)
		if b > a {
			a, b = b, a
		}
		answer, symbol = a-b, "-"
	case domain.CategoryMultiplication:
		a, b = between(rnd, 2, 12), between(rnd, 2, 12)
		answer, symbol = a*b, "×"
	case domain.CategoryDivision:
		// built backwards from the quotient so the answer is always whole
		b, answer = between(rnd, 2, 12), between(rnd, 1, 12)
		a, symbol = b*answer, "÷"
	}

	return domain.Problem{
		ID:            uuid.NewString(),
		QuestionText:  fmt.Sprintf("%d %s %d", a, symbol, b),
		CorrectAnswer: answer,
		Category:      category,
		DistributedAt: now,
	}, nil
}

func between(rnd *rand.Rand, lo, hi int) int {
	return lo + rnd.Intn(hi-lo+1)
}

// Generator is a goroutine-safe problem source for match sessions.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

func NewGenerator(seed int64) *Generator {
	return NewGeneratorWithClock(seed, time.Now)
}

// NewGeneratorWithClock allows deterministic timestamps in tests.
func NewGeneratorWithClock(seed int64, now func() time.Time) *Generator {
	return &Generator{rnd: rand.New(rand.NewSource(seed)), now: now}
}

func (g *Generator) Generate(category domain.OperationCategory) (domain.Problem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Generate(g.rnd, category, g.now())
}
