package nn

// =============================================================================
// Generic Conv1D Implementation
// =============================================================================

// Conv1DForward performs 1D convolution for any numeric type.
// Input shape: [batch][inChannels][seqLen]
// Kernel shape: [filters][inChannels][kernelSize]
// Output shape: [batch][filters][outLen]
// Negative padding crops the input instead of zero-extending it.
func Conv1DForward[T Numeric](
	input, kernel, bias *Tensor[T],
	seqLen, inChannels, kernelSize, stride, padding, filters, batchSize int,
	activation ActivationType,
) (preAct, postAct *Tensor[T]) {
	outLen := Conv1DOutputLen(seqLen, kernelSize, stride, padding)
	if outLen < 0 {
		outLen = 0
	}

	preAct = NewTensor[T](batchSize, filters, outLen)
	postAct = NewTensor[T](batchSize, filters, outLen)

	if input == nil || len(input.Data) == 0 || kernel == nil || len(kernel.Data) == 0 {
		return preAct, postAct
	}

	biasLen := 0
	if bias != nil {
		biasLen = len(bias.Data)
	}

	for b := 0; b < batchSize; b++ {
		for f := 0; f < filters; f++ {
			for o := 0; o < outLen; o++ {
				var sum T
				if f < biasLen {
					sum = bias.Data[f]
				}

				for ic := 0; ic < inChannels; ic++ {
					for k := 0; k < kernelSize; k++ {
						inPos := o*stride + k - padding
						if inPos < 0 || inPos >= seqLen {
							continue
						}
						inputIdx := b*inChannels*seqLen + ic*seqLen + inPos
						kernelIdx := f*inChannels*kernelSize + ic*kernelSize + k
						sum += input.Data[inputIdx] * kernel.Data[kernelIdx]
					}
				}

				outputIdx := b*filters*outLen + f*outLen + o
				preAct.Data[outputIdx] = sum
				postAct.Data[outputIdx] = Activate(sum, activation)
			}
		}
	}

	return preAct, postAct
}

// Conv1DOutputLen is floor((seqLen + 2*padding - kernelSize) / stride) + 1.
func Conv1DOutputLen(seqLen, kernelSize, stride, padding int) int {
	n := seqLen + 2*padding - kernelSize
	if n < 0 {
		return 0
	}
	return n/stride + 1
}

// =============================================================================
// Generic ConvTranspose1D Implementation
// =============================================================================

// ConvTranspose1DOutputLen follows torch.nn.ConvTranspose1d:
// (seqLen - 1) * stride - 2*padding + kernelSize.
func ConvTranspose1DOutputLen(seqLen, kernelSize, stride, padding int) int {
	return (seqLen-1)*stride - 2*padding + kernelSize
}

// ConvTranspose1DForward performs a transposed (fractionally strided) 1D convolution.
// Input shape: [batch][inChannels][seqLen]
// Kernel shape: [inChannels][outChannels][kernelSize]
// Output shape: [batch][outChannels][(seqLen-1)*stride - 2*padding + kernelSize]
//
// Output position t receives input[i] * kernel[k] wherever i*stride + k == t + padding.
// A negative padding widens the output with positions no input reaches.
func ConvTranspose1DForward[T Numeric](
	input, kernel *Tensor[T],
	seqLen, inChannels, outChannels, kernelSize, stride, padding, batchSize int,
) *Tensor[T] {
	outLen := ConvTranspose1DOutputLen(seqLen, kernelSize, stride, padding)
	if outLen < 0 {
		outLen = 0
	}
	output := NewTensor[T](batchSize, outChannels, outLen)

	for b := 0; b < batchSize; b++ {
		for ic := 0; ic < inChannels; ic++ {
			for i := 0; i < seqLen; i++ {
				x := input.Data[b*inChannels*seqLen+ic*seqLen+i]
				if x == 0 {
					continue
				}
				for oc := 0; oc < outChannels; oc++ {
					for k := 0; k < kernelSize; k++ {
						t := i*stride + k - padding
						if t < 0 || t >= outLen {
							continue
						}
						w := kernel.Data[ic*outChannels*kernelSize+oc*kernelSize+k]
						output.Data[b*outChannels*outLen+oc*outLen+t] += x * w
					}
				}
			}
		}
	}

	return output
}

// ConvTranspose1DBackward computes gradients for ConvTranspose1DForward.
// The input gradient is an ordinary strided convolution of gradOutput with
// the same kernel, so it reuses Conv1DForward.
// A nil input skips the kernel gradient and returns it as nil; fixed
// kernels need only gradInput.
func ConvTranspose1DBackward[T Numeric](
	gradOutput, input, kernel *Tensor[T],
	seqLen, inChannels, outChannels, kernelSize, stride, padding, batchSize int,
) (gradInput, gradKernel *Tensor[T]) {
	outLen := ConvTranspose1DOutputLen(seqLen, kernelSize, stride, padding)

	// kernel layout [in][out][k] is exactly Conv1D's [filters][inChannels][k]
	// when the roles of the channels are swapped.
	gradInput, _ = Conv1DForward(
		gradOutput, kernel, nil,
		outLen, outChannels, kernelSize, stride, padding, inChannels, batchSize,
		ActivationLinear,
	)

	if input == nil {
		return gradInput, nil
	}

	gradKernel = NewTensor[T](inChannels, outChannels, kernelSize)
	for b := 0; b < batchSize; b++ {
		for ic := 0; ic < inChannels; ic++ {
			for i := 0; i < seqLen; i++ {
				x := input.Data[b*inChannels*seqLen+ic*seqLen+i]
				for oc := 0; oc < outChannels; oc++ {
					for k := 0; k < kernelSize; k++ {
						t := i*stride + k - padding
						if t < 0 || t >= outLen {
							continue
						}
						g := gradOutput.Data[b*outChannels*outLen+oc*outLen+t]
						gradKernel.Data[ic*outChannels*kernelSize+oc*kernelSize+k] += x * g
					}
				}
			}
		}
	}

	return gradInput, gradKernel
}
