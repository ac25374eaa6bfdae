package pipeline

import (
	"fmt"

	"odooetl/internal/config"
)

// Build turns a validated pipeline into stages and checks their order.
func Build(p config.Pipeline) ([]Stage, error) {
	if issues := config.ValidatePipeline(p); config.HasErrors(issues) {
		for _, iss := range issues {
			if iss.Severity == config.SeverityError {
				return nil, fmt.Errorf("pipeline: %w", iss)
			}
		}
	}
	stages := make([]Stage, 0, len(p.Stages))
	for _, st := range p.Stages {
		s, err := buildStage(st)
		if err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	if err := ValidateOrder(stages); err != nil {
		return nil, err
	}
	return stages, nil
}

func buildStage(st config.Stage) (Stage, error) {
	if st.Entity != nil {
		return newEntityStage(st)
	}
	switch st.Builtin {
	case "branches":
		return newBranchesStage(st), nil
	case "products":
		return newProductsStage(st), nil
	case "locations":
		return newLocationsStage(st), nil
	case "stock":
		return newStockStage(st), nil
	case "sales":
		return newSalesStage(st), nil
	case "sales_lines":
		return newSalesLinesStage(st), nil
	}
	return nil, fmt.Errorf("pipeline: stage %s: unknown built-in %q", st.Name, st.Builtin)
}
