package generation

import (
	"github.com/propreel/propreel/internal/generation/repository"
	"github.com/propreel/propreel/internal/generation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("generation.service",
	fx.Provide(
		repository.New,
		service.NewService,
	),
)
