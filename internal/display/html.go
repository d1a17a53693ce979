package display

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Marker Pose Viewer</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; background: #111; color: #ddd; font-family: monospace; }
        .app { display: flex; flex-direction: column; align-items: center; padding: 12px; gap: 12px; }
        img { max-width: 100%; border: 1px solid #333; }
        .pose { display: grid; grid-template-columns: repeat(4, 9em); gap: 6px; }
        .pose span { background: #222; padding: 4px 8px; }
        .badge { color: #8c8; }
        .badge.stale { color: #c88; }
    </style>
</head>
<body>
    <div class="app">
        <div>Marker Pose Viewer <span class="badge stale" id="badge">waiting</span></div>
        <img id="stream" src="/stream" alt="live view">
        <div class="pose">
            <span id="x">x: -</span>
            <span id="y">y: -</span>
            <span id="z">z: -</span>
            <span id="yaw">yaw: -</span>
        </div>
    </div>
    <script>
        const fmt = (v, unit) => v.toFixed(3) + unit;
        const badge = document.getElementById('badge');
        let last = 0;
        const events = new EventSource('/api/pose/stream');
        events.onmessage = (e) => {
            const p = JSON.parse(e.data);
            document.getElementById('x').textContent = 'x: ' + fmt(p.x, ' m');
            document.getElementById('y').textContent = 'y: ' + fmt(p.y, ' m');
            document.getElementById('z').textContent = 'z: ' + fmt(p.z, ' m');
            document.getElementById('yaw').textContent = 'yaw: ' + p.yaw.toFixed(1) + ' deg';
            last = Date.now();
        };
        setInterval(() => {
            const fresh = Date.now() - last < 1000;
            badge.textContent = fresh ? 'tracking' : 'no marker';
            badge.className = fresh ? 'badge' : 'badge stale';
        }, 250);
    </script>
</body>
</html>
`
