package consensus

// BlockSubsidy returns the newly created coin amount for a block at the
// given height. The base subsidy halves every SubsidyHalvingInterval blocks
// and becomes zero once shifted away.
func BlockSubsidy(height uint64, params *Params) uint64 {
	if params.SubsidyHalvingInterval == 0 {
		return params.BaseSubsidy
	}
	halvings := height / params.SubsidyHalvingInterval
	if halvings >= 64 {
		return 0
	}
	return params.BaseSubsidy >> halvings
}
