package handlers

// Builtins constructs the seven outreach handlers from one Config.
func Builtins(cfg Config) ([]StepHandler, error) {
	cfg = cfg.withDefaults()

	feedback, err := NewFeedbackTrainer(cfg)
	if err != nil {
		return nil, err
	}
	return []StepHandler{
		NewProspectSearch(cfg),
		NewDataEnrichment(cfg),
		NewScoring(cfg.Logger),
		NewOutreachContent(cfg),
		NewOutreachExecutor(cfg),
		NewResponseTracker(cfg),
		feedback,
	}, nil
}

// RegisterBuiltins adds every built-in handler to reg.
func RegisterBuiltins(reg *Registry, cfg Config) error {
	hs, err := Builtins(cfg)
	if err != nil {
		return err
	}
	for _, h := range hs {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
