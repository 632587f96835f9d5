// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agent

// Healthcare builds the five standard agents with shared options.
func Healthcare(opts ...Option) ([]Agent, error) {
	ctors := []func(...Option) (*Base, error){
		NewTriage,
		NewScheduling,
		NewDocumentation,
		NewCommunication,
		NewPrescription,
	}
	agents := make([]Agent, 0, len(ctors))
	for _, ctor := range ctors {
		a, err := ctor(opts...)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// NewHealthcareRegistry registers the standard agents.
func NewHealthcareRegistry(opts ...Option) (*Registry, error) {
	agents, err := Healthcare(opts...)
	if err != nil {
		return nil, err
	}
	return NewRegistry(agents...)
}
