// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package momentum implements stochastic gradient descent with momentum, as an optimizers.Interface.
//
// For each trainable variable w with gradient g, and for momentum mu and learning rate lr:
//
//	v = mu * v + g
//	w = w - lr * v
//
// Or, with Nesterov momentum:
//
//	v = mu * v + g
//	w = w - lr * (g + mu * v)
//
// There is no learning rate decay. The velocity v of each variable is stored in a non-trainable
// variable under the optimizer scope.
//
// Importing this package registers the optimizer in optimizers.KnownOptimizers under the name Name,
// so it can be selected with the "optimizer" hyperparameter.
package momentum

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// Name under which the optimizer is registered in optimizers.KnownOptimizers.
	Name = "sgd_momentum"

	// DefaultScope holds the velocity variables.
	DefaultScope = "MomentumOptimizer"

	// DefaultLearningRate used if neither the builder nor the context set one.
	DefaultLearningRate = 0.001

	// DefaultMomentum used if neither the builder nor the context set one.
	DefaultMomentum = 0.9

	// ParamMomentum is the context hyperparameter with the momentum factor (float64).
	ParamMomentum = "momentum"

	// ParamNesterov is the context hyperparameter to enable Nesterov momentum (bool).
	ParamNesterov = "momentum_nesterov"
)

func init() {
	optimizers.KnownOptimizers[Name] = func(ctx *context.Context) optimizers.Interface {
		return New().FromContext(ctx).Done()
	}
}

// Config for the momentum optimizer. Create it with New, and finish it with Done.
type Config struct {
	scopeName    string
	learningRate float64
	momentum     float64
	nesterov     bool
}

// New returns a builder for the momentum optimizer, initialized with the defaults.
func New() *Config {
	return &Config{
		scopeName:    DefaultScope,
		learningRate: -1, // Read from context, if not set.
		momentum:     DefaultMomentum,
	}
}

// FromContext reads the hyperparameters ParamMomentum and ParamNesterov from the context.
// The learning rate is read from the context at graph building time, see optimizers.ParamLearningRate.
func (c *Config) FromContext(ctx *context.Context) *Config {
	c.momentum = context.GetParamOr(ctx, ParamMomentum, c.momentum)
	c.nesterov = context.GetParamOr(ctx, ParamNesterov, c.nesterov)
	return c
}

// LearningRate sets a fixed learning rate, instead of reading it from the context.
func (c *Config) LearningRate(value float64) *Config {
	c.learningRate = value
	return c
}

// Momentum sets the momentum factor. Usually between 0.5 and 0.99, 0 disables momentum.
func (c *Config) Momentum(value float64) *Config {
	c.momentum = value
	return c
}

// Nesterov enables or disables Nesterov momentum.
func (c *Config) Nesterov(enabled bool) *Config {
	c.nesterov = enabled
	return c
}

// Scope sets the scope name where the velocity variables are stored.
func (c *Config) Scope(scopeName string) *Config {
	c.scopeName = scopeName
	return c
}

// Done returns the configured optimizer.
func (c *Config) Done() optimizers.Interface {
	if c.momentum < 0 {
		exceptions.Panicf("momentum optimizer: momentum must be >= 0, got %g", c.momentum)
	}
	return &optimizer{config: *c}
}

type optimizer struct {
	config Config
}

// UpdateGraph implements optimizers.Interface.
func (o *optimizer) UpdateGraph(ctx *context.Context, _ *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	o.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// UpdateGraphWithGradients applies the given gradients, in the order of ctx.IterVariables.
func (o *optimizer) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	if len(grads) == 0 {
		exceptions.Panicf(
			"Context.BuildTrainableVariablesGradientsGraph returned 0 gradients, are there any trainable variables ?")
	}
	g := grads[0].Graph()
	dtype := lossDType

	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, optimizers.ParamLearningRate, DefaultLearningRate)
	}
	learningRate := optimizers.LearningRateVar(ctx, dtype, lrValue).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	mu := Const(g, shapes.CastAsDType(o.config.momentum, dtype))

	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if varIdx < numTrainable {
			o.applyGraph(ctx, g, v, dtype, grads[varIdx], learningRate, mu)
		}
		varIdx++
	}
	if varIdx != numTrainable {
		exceptions.Panicf("Context.BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but "+
			"the momentum optimizer sees %d variables -- were new variables created in between ?",
			numTrainable, varIdx)
	}
}

func (o *optimizer) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, dtype dtypes.DType,
	grad, learningRate, mu *Node) {
	if grad.DType() != dtype {
		grad = ConvertDType(grad, dtype)
	}
	optimizers.TraceNaNInGradients(ctx, v, grad)
	grad = optimizers.ClipNaNsInGradients(ctx, grad)

	velocityVar := o.velocityVariable(ctx, v, dtype)
	velocity := Add(Mul(mu, velocityVar.ValueGraph(g)), grad)
	velocityVar.SetValueGraph(velocity)

	direction := velocity
	if o.config.nesterov {
		direction = Add(grad, Mul(mu, velocity))
	}
	step := Mul(learningRate, direction)
	step = optimizers.ClipStepByValue(ctx, step)

	value := v.ValueGraph(g)
	if value.DType() != dtype {
		value = ConvertDType(value, dtype)
	}
	updated := Sub(value, step)
	updated = optimizers.ClipNaNsInUpdates(ctx, value, updated)
	if v.Shape().DType != dtype {
		updated = ConvertDType(updated, v.Shape().DType)
	}
	v.SetValueGraph(updated)
}

// velocityVariable returns the velocity of the trainable variable, creating it with zeros the first time.
func (o *optimizer) velocityVariable(ctx *context.Context, trainable *context.Variable, dtype dtypes.DType) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, trainable.Scope())
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	return ctx.Checked(false).
		InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_velocity", shape).
		SetTrainable(false)
}

// Clear deletes the velocity variables. It implements optimizers.Interface.
func (o *optimizer) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).DeleteVariablesInScope()
}
