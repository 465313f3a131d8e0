package skiff

// Version is stamped into every trajectory as info.mini_version.
const Version = "1.0.0"
