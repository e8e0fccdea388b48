// simworker is the reference negotiation worker: it speaks the scheduler's
// stdout protocol and simulates a negotiation whose outcome is shaped by
// the run's parameters. Used for development, demos and integration tests;
// production deployments point worker.command at a real agent bridge.
package main

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/ch-au/negosim/internal/domain"
	"github.com/ch-au/negosim/internal/simproto"
	"github.com/spf13/cobra"
)

var (
	roundDelay   time.Duration
	forceOutcome string
	forceRounds  int
	crashAfter   int
	hang         bool
	malformed    bool
	seed         int64

	rootCmd = &cobra.Command{
		Use:   "simworker NEGOTIATION RUN MAXROUNDS CONTEXT",
		Short: "Reference negotiation worker",
		Long: `simworker simulates one negotiation run. It emits ROUND_UPDATE progress
lines on stdout while "negotiating" and finishes with the final result
payload. Outcomes are deterministic per run id and shaped by the run's
ZOPA distance and tactic. Failure flags exist to exercise every exit
path of the scheduler.`,
		Args: cobra.ExactArgs(4),
		RunE: run,
	}
)

func init() {
	rootCmd.Flags().DurationVar(&roundDelay, "delay", 150*time.Millisecond, "pause between rounds")
	rootCmd.Flags().StringVar(&forceOutcome, "outcome", "", "force a specific outcome (DEAL_ACCEPTED, WALK_AWAY, ...)")
	rootCmd.Flags().IntVar(&forceRounds, "rounds", 0, "force the number of rounds")
	rootCmd.Flags().IntVar(&crashAfter, "crash-after", 0, "exit 1 after this many rounds")
	rootCmd.Flags().BoolVar(&hang, "hang", false, "never finish (exercises the run timeout)")
	rootCmd.Flags().BoolVar(&malformed, "malformed", false, "exit 0 without a final payload")
	rootCmd.Flags().Int64Var(&seed, "seed", 0, "random seed (default derived from the run id)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "simworker:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	runID := args[1]
	maxRounds, err := strconv.Atoi(args[2])
	if err != nil || maxRounds < 1 {
		return fmt.Errorf("invalid max rounds %q", args[2])
	}
	wctx, err := simproto.DecodeContext(args[3])
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(runSeed(runID)))
	sim := newSimulation(wctx, maxRounds, rng)

	for round := 1; round <= sim.rounds; round++ {
		if crashAfter > 0 && round > crashAfter {
			fmt.Fprintf(os.Stderr, "simworker: synthetic crash after round %d\n", crashAfter)
			os.Exit(1)
		}
		turn := sim.turn(round)
		line, err := json.Marshal(simproto.RoundUpdate{
			Round:   turn.Round,
			Agent:   turn.Agent,
			Message: turn.Message,
			Offer:   turn.Offer,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s%s\n", simproto.RoundUpdatePrefix, line)
		if roundDelay > 0 {
			time.Sleep(roundDelay)
		}
	}

	if hang {
		fmt.Fprintln(os.Stderr, "simworker: hanging as requested")
		select {}
	}
	if malformed {
		fmt.Println("negotiation concluded, see attached report")
		return nil
	}

	final := simproto.FinalResult{
		Outcome:         sim.outcome,
		TotalRounds:     sim.rounds,
		ConversationLog: sim.log,
		CostUSD:         float64(sim.rounds)*0.004 + rng.Float64()*0.002,
	}
	if sim.outcome == string(domain.OutcomeDealAccepted) {
		final.FinalOffer = sim.finalOffer()
	}

	payload, err := json.Marshal(&final)
	if err != nil {
		return err
	}
	fmt.Println(string(payload))
	return nil
}

// runSeed derives a stable seed from the run id so retries of the same run
// replay the same negotiation
func runSeed(runID string) int64 {
	if seed != 0 {
		return seed
	}
	h := fnv.New64a()
	h.Write([]byte(runID))
	return int64(h.Sum64())
}

// dealProbability maps the ZOPA distance to the chance the parties find a
// mutually acceptable point, nudged by the tactic
func dealProbability(zopa, tactic string) float64 {
	p := map[string]float64{
		"overlap": 0.95,
		"close":   0.80,
		"medium":  0.55,
		"far":     0.25,
	}[zopa]
	if p == 0 {
		p = 0.5
	}
	switch tactic {
	case "collaborative", "accommodating":
		p += 0.05
	case "competitive":
		p -= 0.05
	case "avoiding":
		p -= 0.10
	}
	if p < 0.05 {
		p = 0.05
	}
	if p > 0.99 {
		p = 0.99
	}
	return p
}

// settleFraction is where in each dimension's [min, max] span the deal
// lands, from our perspective: high overlap settles near our favorable end
func settleFraction(zopa string, rng *rand.Rand) float64 {
	var lo, hi float64
	switch zopa {
	case "overlap":
		lo, hi = 0.72, 0.95
	case "close":
		lo, hi = 0.58, 0.80
	case "medium":
		lo, hi = 0.42, 0.65
	case "far":
		lo, hi = 0.25, 0.48
	default:
		lo, hi = 0.40, 0.70
	}
	return lo + rng.Float64()*(hi-lo)
}

// simulation holds the precomputed storyline of one run
type simulation struct {
	ctx     *simproto.Context
	rng     *rand.Rand
	outcome string
	rounds  int
	settle  map[string]map[string]float64 // productID -> dimensionID -> final value
	opening map[string]map[string]float64
	log     []domain.ConversationTurn
}

func newSimulation(wctx *simproto.Context, maxRounds int, rng *rand.Rand) *simulation {
	s := &simulation{
		ctx:     wctx,
		rng:     rng,
		settle:  make(map[string]map[string]float64),
		opening: make(map[string]map[string]float64),
	}

	s.outcome = forceOutcome
	if s.outcome == "" {
		if rng.Float64() < dealProbability(wctx.ZopaDistance, wctx.Tactic) {
			s.outcome = string(domain.OutcomeDealAccepted)
		} else if rng.Float64() < 0.5 {
			s.outcome = string(domain.OutcomeWalkAway)
		} else {
			s.outcome = string(domain.OutcomeMaxRounds)
		}
	}

	switch {
	case forceRounds > 0:
		s.rounds = forceRounds
	case s.outcome == string(domain.OutcomeMaxRounds):
		s.rounds = maxRounds
	case s.outcome == string(domain.OutcomeWalkAway):
		s.rounds = 1 + rng.Intn(max(maxRounds/2, 1))
	default:
		s.rounds = 2 + rng.Intn(max(maxRounds-1, 1))
	}
	if s.rounds > maxRounds {
		s.rounds = maxRounds
	}

	frac := settleFraction(wctx.ZopaDistance, rng)
	for _, product := range wctx.Products {
		settle := make(map[string]float64)
		opening := make(map[string]float64)
		for _, dim := range product.Dimensions {
			span := dim.Max - dim.Min
			if dim.HigherIsBetter() {
				settle[dim.ID] = dim.Min + frac*span
				opening[dim.ID] = dim.Min // counterpart opens at our worst end
			} else {
				settle[dim.ID] = dim.Max - frac*span
				opening[dim.ID] = dim.Max
			}
		}
		s.settle[product.ID] = settle
		s.opening[product.ID] = opening
	}
	return s
}

// turn produces round r's conversation turn with the converging offer
func (s *simulation) turn(round int) domain.ConversationTurn {
	agent := "buyer"
	if round%2 == 0 {
		agent = "seller"
	}

	turn := domain.ConversationTurn{
		Round:   round,
		Agent:   agent,
		Message: s.message(agent, round),
		Offer:   s.offerAt(round),
	}
	s.log = append(s.log, turn)
	return turn
}

func (s *simulation) message(agent string, round int) string {
	switch {
	case round == 1:
		return fmt.Sprintf("Opening position on %s, leading with %s.", s.ctx.Title, s.ctx.Technique)
	case round == s.rounds && s.outcome == string(domain.OutcomeDealAccepted):
		return "We have an agreement on these terms."
	case round == s.rounds && s.outcome == string(domain.OutcomeWalkAway):
		return "The gap is too wide; we are ending the negotiation here."
	default:
		moves := []string{
			"Countering with a revised package.",
			"We can move here if you move on the remaining terms.",
			"Adjusting our offer toward a middle ground.",
			"Holding on the key terms, conceding on the rest.",
		}
		return moves[s.rng.Intn(len(moves))]
	}
}

// offerAt interpolates every dimension linearly from the opening offer to
// the settle point across the planned rounds
func (s *simulation) offerAt(round int) map[string]any {
	progress := float64(round) / float64(s.rounds)
	offer := make(map[string]any, len(s.settle))
	for productID, settle := range s.settle {
		values := make(map[string]any, len(settle))
		for dimID, target := range settle {
			open := s.opening[productID][dimID]
			values[dimID] = round2(open + (target-open)*progress)
		}
		offer[productID] = values
	}
	return offer
}

// finalOffer is the settle point itself, the terms the deal closed on
func (s *simulation) finalOffer() map[string]any {
	offer := make(map[string]any, len(s.settle))
	for productID, settle := range s.settle {
		values := make(map[string]any, len(settle))
		for dimID, v := range settle {
			values[dimID] = round2(v)
		}
		offer[productID] = values
	}
	return offer
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
