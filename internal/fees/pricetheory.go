package fees

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/lnops/chand/internal/domain"
	"github.com/lnops/chand/internal/errs"
)

// priceSteps enumerates every step a card can take, per the fixed [-4, +4]
// domain: nine discrete exploration arms per peer.
var priceSteps = []int{-4, -3, -2, -1, 0, 1, 2, 3, 4}

// epsilonMsat is the "no meaningful earnings" threshold below which an
// aged-out card is considered unproductive and retired.
const epsilonMsat = 1000

// PriceTheoryStore is the persistence surface PriceTheory consumes.
type PriceTheoryStore interface {
	PriceTheoryLoad(ctx context.Context, peerID string) (domain.PriceTheoryHand, bool, error)
	PriceTheorySave(ctx context.Context, hand domain.PriceTheoryHand) error
}

// PriceTheory runs the per-peer card-game exploration bandit: one card is
// in play at a time, and it retires once it has aged past min_cycles_per_card
// without earning more than epsilon, or has hit the hard max age regardless
// of earnings. Deck order is shuffled so retirement draws an unexplored step;
// once the deck is exhausted a fresh shuffled deck of all nine steps begins.
type PriceTheory struct {
	store            PriceTheoryStore
	minCyclesPerCard int
	maxAge           int
	rng              *rand.Rand
	logger           zerolog.Logger
}

// NewPriceTheory constructs a PriceTheory bandit. A nil rng uses a
// time-seeded source; tests can inject a seeded one for determinism.
func NewPriceTheory(store PriceTheoryStore, minCyclesPerCard, maxAge int, rng *rand.Rand, logger zerolog.Logger) *PriceTheory {
	if minCyclesPerCard <= 0 {
		minCyclesPerCard = 6
	}
	if maxAge <= 0 {
		maxAge = 30
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &PriceTheory{
		store:            store,
		minCyclesPerCard: minCyclesPerCard,
		maxAge:           maxAge,
		rng:              rng,
		logger:           logger.With().Str("component", "price_theory").Logger(),
	}
}

// EnsureHand loads peerID's hand, cold-starting a fresh one (step-0 card
// active, multiplier 1, remaining eight steps shuffled into the deck) if
// none is persisted yet.
func (p *PriceTheory) EnsureHand(ctx context.Context, peerID string) (domain.PriceTheoryHand, error) {
	hand, found, err := p.store.PriceTheoryLoad(ctx, peerID)
	if err != nil {
		return domain.PriceTheoryHand{}, errs.Store("load price theory hand", err)
	}
	if found {
		return hand, nil
	}
	return p.coldStart(peerID), nil
}

func (p *PriceTheory) coldStart(peerID string) domain.PriceTheoryHand {
	deck := make([]int, 0, len(priceSteps)-1)
	for _, s := range priceSteps {
		if s != 0 {
			deck = append(deck, s)
		}
	}
	p.rng.Shuffle(len(deck), func(i, j int) { deck[i], deck[j] = deck[j], deck[i] })

	cards := make([]domain.PriceTheoryCard, 0, len(priceSteps))
	cards = append(cards, domain.PriceTheoryCard{Step: 0, Position: domain.CardInPlay})
	for i, s := range deck {
		cards = append(cards, domain.PriceTheoryCard{Step: s, Position: domain.CardInDeck, DeckOrder: i})
	}
	return domain.PriceTheoryHand{PeerID: peerID, Cards: cards}
}

// Score attributes an earnings delta (in msat, forwarding fees earned while
// the current card was active) to the active card.
func Score(hand *domain.PriceTheoryHand, deltaMsat int64) {
	for i := range hand.Cards {
		if hand.Cards[i].Position == domain.CardInPlay {
			hand.Cards[i].EarnedMsat += deltaMsat
			return
		}
	}
}

// Advance ages the in-play card by one cycle and retires it, drawing the
// next deck card, if it has aged out unproductively or hit max age.
// Call once per cycle, after Score.
func (p *PriceTheory) Advance(hand *domain.PriceTheoryHand) {
	idx := -1
	for i := range hand.Cards {
		if hand.Cards[i].Position == domain.CardInPlay {
			idx = i
			break
		}
	}
	if idx == -1 {
		p.drawNext(hand)
		return
	}

	hand.Cards[idx].AgeCycles++
	card := hand.Cards[idx]

	agedOutUnproductive := card.AgeCycles >= p.minCyclesPerCard && card.EarnedMsat < epsilonMsat
	hitMaxAge := card.AgeCycles >= p.maxAge
	if !agedOutUnproductive && !hitMaxAge {
		return
	}

	hand.Cards[idx].Position = domain.CardDiscarded
	p.drawNext(hand)
}

// drawNext promotes the lowest deck_order card still in the deck to in-play.
// If the deck is exhausted, it reshuffles a fresh deck of all nine steps.
func (p *PriceTheory) drawNext(hand *domain.PriceTheoryHand) {
	best := -1
	for i := range hand.Cards {
		if hand.Cards[i].Position != domain.CardInDeck {
			continue
		}
		if best == -1 || hand.Cards[i].DeckOrder < hand.Cards[best].DeckOrder {
			best = i
		}
	}
	if best != -1 {
		hand.Cards[best].Position = domain.CardInPlay
		hand.Cards[best].AgeCycles = 0
		hand.Cards[best].EarnedMsat = 0
		return
	}

	// Deck exhausted: start a fresh exploration round over the full range.
	steps := append([]int{}, priceSteps...)
	p.rng.Shuffle(len(steps), func(i, j int) { steps[i], steps[j] = steps[j], steps[i] })

	cards := make([]domain.PriceTheoryCard, 0, len(steps))
	cards = append(cards, domain.PriceTheoryCard{Step: steps[0], Position: domain.CardInPlay})
	for i, s := range steps[1:] {
		cards = append(cards, domain.PriceTheoryCard{Step: s, Position: domain.CardInDeck, DeckOrder: i})
	}
	hand.Cards = cards
}

// Save persists hand.
func (p *PriceTheory) Save(ctx context.Context, hand domain.PriceTheoryHand) error {
	if err := p.store.PriceTheorySave(ctx, hand); err != nil {
		return errs.Store("save price theory hand", err)
	}
	return nil
}
