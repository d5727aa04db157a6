package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// ConvTranspose1DSpec configures a single-channel transposed 1D convolution,
// the shape LCCombine uses to spread per-frame terms over audio timesteps.
type ConvTranspose1DSpec struct {
	Batch      int       // Independent sequences
	SeqLen     int       // Input length per sequence
	KernelSize int       // Filter taps
	Stride     int       // Output positions per input position
	Padding    int       // Positions cropped from each end; negative widens
	Weights    []float32 // [KernelSize]
}

// OutputLen follows torch.nn.ConvTranspose1d.
func (s ConvTranspose1DSpec) OutputLen() int {
	return (s.SeqLen-1)*s.Stride - 2*s.Padding + s.KernelSize
}

// ConvTranspose1DLayer holds GPU resources for one spec. Shapes are baked
// into the shader, so a layer is reusable only for identical specs.
type ConvTranspose1DLayer struct {
	Spec ConvTranspose1DSpec

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	InputBuffer  *wgpu.Buffer
	WeightBuffer *wgpu.Buffer
	OutputBuffer *wgpu.Buffer

	outputLen int
}

// NewConvTranspose1DLayer allocates buffers and compiles the pipeline.
func NewConvTranspose1DLayer(c *Context, spec ConvTranspose1DSpec, label string) (*ConvTranspose1DLayer, error) {
	l := &ConvTranspose1DLayer{Spec: spec}
	if err := l.AllocateBuffers(c, label); err != nil {
		l.Cleanup()
		return nil, err
	}
	if err := l.Compile(c, label); err != nil {
		l.Cleanup()
		return nil, err
	}
	if err := l.CreateBindGroup(c, label); err != nil {
		l.Cleanup()
		return nil, err
	}
	return l, nil
}

func (l *ConvTranspose1DLayer) AllocateBuffers(c *Context, labelPrefix string) error {
	s := l.Spec
	if s.Batch < 1 || s.SeqLen < 1 || s.KernelSize < 1 || s.Stride < 1 || len(s.Weights) != s.KernelSize {
		return fmt.Errorf("invalid transposed conv spec %+v", s)
	}
	l.outputLen = s.OutputLen()
	if l.outputLen < 1 {
		return fmt.Errorf("transposed conv output length %d", l.outputLen)
	}

	var err error
	usage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc
	if l.InputBuffer, err = NewEmptyBuffer(c, labelPrefix+"_In", s.Batch*s.SeqLen, usage); err != nil {
		return err
	}
	if l.WeightBuffer, err = NewFloatBuffer(c, labelPrefix+"_W", s.Weights, usage); err != nil {
		return err
	}
	l.OutputBuffer, err = NewEmptyBuffer(c, labelPrefix+"_Out", s.Batch*l.outputLen, usage)
	return err
}

// GenerateShader emits the gather form: each invocation owns one output
// position and sums the taps k with (t + padding - k) divisible by the stride.
func (l *ConvTranspose1DLayer) GenerateShader() string {
	s := l.Spec
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read> weights : array<f32>;
		@group(0) @binding(2) var<storage, read_write> output : array<f32>;

		const BATCH: u32 = %du;
		const SEQ_LEN: u32 = %du;
		const KERNEL_SIZE: u32 = %du;
		const STRIDE: u32 = %du;
		const PADDING: i32 = %d;
		const OUT_LEN: u32 = %du;

		@compute @workgroup_size(256)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			if (idx >= BATCH * OUT_LEN) { return; }

			let b = idx / OUT_LEN;
			let t = i32(idx %% OUT_LEN) + PADDING;

			var sum: f32 = 0.0;
			for (var k: u32 = 0u; k < KERNEL_SIZE; k++) {
				let num = t - i32(k);
				if (num < 0) { continue; }
				if (u32(num) %% STRIDE != 0u) { continue; }
				let i = u32(num) / STRIDE;
				if (i >= SEQ_LEN) { continue; }
				sum += input[b * SEQ_LEN + i] * weights[k];
			}

			output[idx] = sum;
		}
	`, s.Batch, s.SeqLen, s.KernelSize, s.Stride, s.Padding, s.OutputLen())
}

func (l *ConvTranspose1DLayer) Compile(c *Context, labelPrefix string) error {
	mod, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          labelPrefix + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: l.GenerateShader()},
	})
	if err != nil {
		return err
	}
	defer mod.Release()

	l.pipeline, err = c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   labelPrefix + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	})
	return err
}

func (l *ConvTranspose1DLayer) CreateBindGroup(c *Context, labelPrefix string) error {
	var err error
	l.bindGroup, err = c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  labelPrefix + "_Bind",
		Layout: l.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.InputBuffer, Size: l.InputBuffer.GetSize()},
			{Binding: 1, Buffer: l.WeightBuffer, Size: l.WeightBuffer.GetSize()},
			{Binding: 2, Buffer: l.OutputBuffer, Size: l.OutputBuffer.GetSize()},
		},
	})
	return err
}

func (l *ConvTranspose1DLayer) Dispatch(pass *wgpu.ComputePassEncoder) {
	pass.SetPipeline(l.pipeline)
	pass.SetBindGroup(0, l.bindGroup, nil)
	total := l.Spec.Batch * l.outputLen
	pass.DispatchWorkgroups(uint32((total+255)/256), 1, 1)
}

// Run uploads input ([Batch][SeqLen]), executes the shader and returns
// [Batch][OutputLen].
func (l *ConvTranspose1DLayer) Run(c *Context, input []float32) ([]float32, error) {
	if len(input) != l.Spec.Batch*l.Spec.SeqLen {
		return nil, fmt.Errorf("transposed conv input has %d values, want %d", len(input), l.Spec.Batch*l.Spec.SeqLen)
	}
	c.Queue.WriteBuffer(l.InputBuffer, 0, wgpu.ToBytes(input))

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	pass := enc.BeginComputePass(nil)
	l.Dispatch(pass)
	pass.End()
	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, err
	}
	c.Queue.Submit(cmd)

	return ReadBuffer(c, l.OutputBuffer, l.Spec.Batch*l.outputLen)
}

func (l *ConvTranspose1DLayer) Cleanup() {
	for _, b := range []*wgpu.Buffer{l.InputBuffer, l.WeightBuffer, l.OutputBuffer} {
		if b != nil {
			b.Destroy()
		}
	}
	if l.pipeline != nil {
		l.pipeline.Release()
	}
	if l.bindGroup != nil {
		l.bindGroup.Release()
	}
}
