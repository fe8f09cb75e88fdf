package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/Dan9191/loans-finder/internal/models"
	"github.com/spf13/cobra"
)

var nameBrandWords = [][]string{
	{"Domus", "Home", "Casa", "House", "Baracca", "PerTe", "PerVoi", "Mutuo", "Loan"},
	{"Red", "Rosso", "Green", "Verde", "Yellow", "Giallo", "Black", "Nero", "Gray", "Grigio", "White", "Bianco", "Intesi", "Credici"},
}

var loanTypes = []struct {
	code  string
	words []string
}{
	{models.LoanTypeFixed, []string{"Fixed", "Fisso", "Stabile", "Costante", "Affidabile"}},
	{models.LoanTypeVariable, []string{"Variabile", "Dinamico", "Dynamic", "Giovane"}},
}

var seedRates = map[string][]models.Rate{
	models.LoanTypeFixed: {
		{Code: "IRS_1Y", Value: 0.4},
		{Code: "IRS_2Y", Value: 0.96},
		{Code: "IRS_3Y", Value: 1.16},
		{Code: "IRS_4Y", Value: 1.29},
		{Code: "IRS_5Y", Value: 1.38},
		{Code: "IRS_6Y", Value: 1.46},
		{Code: "IRS_7Y", Value: 1.52},
		{Code: "IRS_8Y", Value: 1.58},
		{Code: "IRS_9Y", Value: 1.64},
		{Code: "IRS_10Y", Value: 1.7},
	},
	models.LoanTypeVariable: {
		{Code: "EURIBOR_1M", Value: -0.535},
		{Code: "EURIBOR_3M", Value: -0.348},
		{Code: "EURIBOR_6M", Value: -0.078},
		{Code: "EURIBOR_12M", Value: 0.353},
	},
}

const variantsPerDuration = 5

type seedVariant struct {
	LTV      models.Range `json:"ltv"`
	Duration models.Range `json:"duration"`
	Spread   float64      `json:"spread"`
}

type seedLoan struct {
	Loan     models.CreateLoanRequest
	Variants []seedVariant
}

// seeder posts generated catalogue data through the public API
type seeder struct {
	endpoint string
	client   *http.Client
	rnd      *rand.Rand
	out      io.Writer
}

func seedCmd() *cobra.Command {
	var (
		endpoint string
		loans    int
		seed     uint64
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed rates, loans and loan variants through the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}
			s := &seeder{
				endpoint: strings.TrimRight(endpoint, "/") + "/",
				client:   &http.Client{Timeout: 10 * time.Second},
				rnd:      rand.New(rand.NewPCG(seed, seed>>1)),
				out:      cmd.OutOrStdout(),
			}
			return s.run(cmd.Context(), loans)
		},
	}
	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "http://localhost:8080/", "API endpoint")
	cmd.Flags().IntVarP(&loans, "loans", "n", -1, "Number of loans, random up to 10 when negative")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed")
	return cmd
}

func (s *seeder) run(ctx context.Context, loans int) error {
	if err := s.seedRates(ctx); err != nil {
		return err
	}
	if loans < 0 {
		loans = s.rnd.IntN(11)
	}
	for i := 0; i < loans; i++ {
		fmt.Fprintln(s.out, "-> Generating loan...")
		if err := s.seedLoan(ctx, s.generateLoan()); err != nil {
			return err
		}
	}
	return nil
}

func (s *seeder) seedRates(ctx context.Context) error {
	for _, lt := range loanTypes {
		for _, rate := range seedRates[lt.code] {
			body := map[string]any{"code": rate.Code, "value": rate.Value}
			if err := s.post(ctx, "rates", body, nil); err != nil {
				return fmt.Errorf("failed to seed rate %s: %w", rate.Code, err)
			}
		}
	}
	return nil
}

func (s *seeder) seedLoan(ctx context.Context, data seedLoan) error {
	var created struct {
		Loan models.Loan `json:"loan"`
	}
	if err := s.post(ctx, "loans", data.Loan, &created); err != nil {
		return fmt.Errorf("failed to seed loan: %w", err)
	}
	id := created.Loan.ID
	fmt.Fprintf(s.out, "-> Generated loan %s\n", id)

	for _, v := range data.Variants {
		var variant struct {
			LoanVariant models.LoanVariant `json:"loan_variant"`
		}
		if err := s.post(ctx, "loans/"+id, v, &variant); err != nil {
			return fmt.Errorf("failed to seed variant of %s: %w", id, err)
		}
		fmt.Fprintf(s.out, "->   Generated variant %s\n", variant.LoanVariant.ID)
	}
	return nil
}

func (s *seeder) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *seeder) sample(words []string) string {
	return words[s.rnd.IntN(len(words))]
}

func (s *seeder) uniform(lo, hi float64) float64 {
	return lo + s.rnd.Float64()*(hi-lo)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// generateLoan builds a loan with two duration bands of five variants each.
// Within a band the ltv window moves up and the spread grows.
func (s *seeder) generateLoan() seedLoan {
	words := []string{s.sample(nameBrandWords[0]), s.sample(nameBrandWords[1])}
	lt := loanTypes[s.rnd.IntN(len(loanTypes))]
	words = append(words, s.sample(lt.words))
	rates := seedRates[lt.code]
	rate := rates[s.rnd.IntN(len(rates))]
	s.rnd.Shuffle(len(words), func(i, j int) { words[i], words[j] = words[j], words[i] })

	data := seedLoan{Loan: models.CreateLoanRequest{
		Name: strings.Join(words, " "),
		Type: lt.code,
		Rate: rate.Code,
	}}

	ltvMin := s.uniform(0.1, 0.4)
	ltvMax := s.uniform(ltvMin+0.4, 1)
	ltvDelta := (ltvMax - ltvMin) / variantsPerDuration

	durationMin := s.rnd.IntN(11)
	durationMax := durationMin + 15 + s.rnd.IntN(max(40-durationMin-15, 0)+1)
	durationHalf := int(math.Round(float64(durationMax-durationMin) / 2))
	durations := []models.Range{
		{Min: float64(durationMin), Max: float64(durationMin + durationHalf)},
		{Min: float64(durationMin + durationHalf), Max: float64(durationMax)},
	}

	spread := s.uniform(0.2, 1)
	spreadDelta := s.uniform(0.1, 0.2)
	for _, duration := range durations {
		for i := 0; i < variantsPerDuration; i++ {
			data.Variants = append(data.Variants, seedVariant{
				LTV: models.Range{
					Min: round(ltvMin+ltvDelta*float64(i), 1),
					Max: round(ltvMin+ltvDelta*float64(i+1), 1),
				},
				Duration: duration,
				Spread:   round(spread+float64(i)*spreadDelta, 2),
			})
		}
		spread += spreadDelta
	}
	return data
}
