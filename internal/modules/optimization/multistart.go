package optimization

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNoAcceptableStart is returned when no start converged to a feasible point
var ErrNoAcceptableStart = errors.New("no start converged to a feasible point")

// Start is one starting point of a multi-start search
type Start struct {
	Label     string
	X         []float64
	Tolerance float64 // overrides the solve tolerance when positive
}

// Candidate is the outcome of one start
type Candidate struct {
	Index    int      `json:"index"`
	Label    string   `json:"label"`
	Solution Solution `json:"solution"`
	Err      error    `json:"-"`
}

// Acceptable reports whether the candidate may win the reduction
func (c Candidate) Acceptable() bool {
	return c.Err == nil && c.Solution.Converged && c.Solution.Feasible && !math.IsNaN(c.Solution.Objective)
}

// MultiStart runs independent solves of one problem over a worker pool
type MultiStart struct {
	numWorkers int
	log        zerolog.Logger
}

// NewMultiStart creates a multi-start runner with the given number of workers
func NewMultiStart(numWorkers int, log zerolog.Logger) *MultiStart {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	return &MultiStart{
		numWorkers: numWorkers,
		log:        log.With().Str("component", "multistart").Logger(),
	}
}

// Run solves p from every start and reduces the candidates to a single winner:
// the acceptable candidate with the lowest objective, ties going to the
// lowest start index. Candidates are returned in start order regardless of
// completion order.
func (ms *MultiStart) Run(ctx context.Context, p Problem, starts []Start, settings SolverSettings) (Candidate, []Candidate, error) {
	n := len(starts)
	if n == 0 {
		return Candidate{}, nil, errors.New("no starting points")
	}

	jobs := make(chan startJob, n)
	results := make(chan Candidate, n)

	var wg sync.WaitGroup
	numActualWorkers := ms.numWorkers
	if n < numActualWorkers {
		numActualWorkers = n
	}
	for i := 0; i < numActualWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			startWorker(ctx, p, settings, jobs, results)
		}()
	}

	for idx, st := range starts {
		jobs <- startJob{index: idx, start: st}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	candidates := make([]Candidate, n)
	for c := range results {
		candidates[c.Index] = c
	}

	if err := ctx.Err(); err != nil {
		return Candidate{}, candidates, err
	}

	best := -1
	for i, c := range candidates {
		ms.log.Debug().
			Int("start", i).
			Str("label", c.Label).
			Bool("converged", c.Solution.Converged).
			Bool("feasible", c.Solution.Feasible).
			Float64("objective", c.Solution.Objective).
			Float64("max_violation", c.Solution.MaxViolation).
			Msg("Start finished")
		if !c.Acceptable() {
			continue
		}
		if best < 0 || c.Solution.Objective < candidates[best].Solution.Objective-tieTolerance(candidates[best].Solution.Objective) {
			best = i
		}
	}
	if best < 0 {
		return Candidate{}, candidates, ErrNoAcceptableStart
	}
	return candidates[best], candidates, nil
}

// tieTolerance treats objectives within a relative 1e-12 as equal
func tieTolerance(f float64) float64 {
	return 1e-12 * (1 + math.Abs(f))
}

type startJob struct {
	index int
	start Start
}

func startWorker(ctx context.Context, p Problem, settings SolverSettings, jobs <-chan startJob, results chan<- Candidate) {
	for job := range jobs {
		c := Candidate{Index: job.index, Label: job.start.Label}
		if err := ctx.Err(); err != nil {
			c.Err = err
			results <- c
			continue
		}
		s := settings
		if job.start.Tolerance > 0 {
			s.Tolerance = job.start.Tolerance
		}
		c.Solution, c.Err = Solve(p, job.start.X, s)
		results <- c
	}
}
