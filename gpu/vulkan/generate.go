package vulkan

// SPIR-V for the quad pipeline. Pass the outputs to the run command with
// --vert and --frag.

//go:generate glslc shaders/quad.vert -o shaders/quad.vert.spv
//go:generate glslc shaders/quad.frag -o shaders/quad.frag.spv
