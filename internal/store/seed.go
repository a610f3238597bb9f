package store

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ashureev/meddpicc-voice/internal/domain"
	"gopkg.in/yaml.v3"
)

type dealFile struct {
	Deals []struct {
		OrganizationID string  `yaml:"organization_id"`
		DealID         string  `yaml:"deal_id"`
		Name           string  `yaml:"name"`
		AccountName    string  `yaml:"account_name"`
		RepID          string  `yaml:"rep_id"`
		Amount         float64 `yaml:"amount"`
		ForecastStage  string  `yaml:"forecast_stage"`
	} `yaml:"deals"`
}

// LoadDealFile reads a YAML deal list from path.
func LoadDealFile(path string) ([]*domain.Deal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deal file: %w", err)
	}
	return ParseDeals(data)
}

// ParseDeals decodes a YAML deal list. Every deal needs an organization and
// deal id.
func ParseDeals(data []byte) ([]*domain.Deal, error) {
	var f dealFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse deal file: %w", err)
	}

	out := make([]*domain.Deal, 0, len(f.Deals))
	for i, d := range f.Deals {
		orgID, dealID := strings.TrimSpace(d.OrganizationID), strings.TrimSpace(d.DealID)
		if orgID == "" || dealID == "" {
			return nil, fmt.Errorf("deal %d: %w", i, domain.ErrInvalidIdentity)
		}
		out = append(out, &domain.Deal{
			OrganizationID: orgID,
			DealID:         dealID,
			Name:           d.Name,
			AccountName:    d.AccountName,
			RepID:          d.RepID,
			Amount:         d.Amount,
			ForecastStage:  d.ForecastStage,
		})
	}
	return out, nil
}

// SeedDeals upserts deals in order and returns how many were written.
func SeedDeals(ctx context.Context, repo Repository, deals []*domain.Deal) (int, error) {
	for i, d := range deals {
		if err := repo.UpsertDeal(ctx, d); err != nil {
			return i, fmt.Errorf("seed deal %s: %w", d.DealID, err)
		}
	}
	return len(deals), nil
}
